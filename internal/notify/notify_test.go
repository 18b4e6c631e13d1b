package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

type recordingSender struct {
	name string
	err  error
	sent []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.sent = append(r.sent, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersByKind(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{KindNeedMoney, " stuck "}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), Event{Kind: KindNeedMoney, Title: "a"}))
	require.NoError(t, n.Notify(context.Background(), Event{Kind: KindGaveUp, Title: "b"}))
	require.NoError(t, n.Notify(context.Background(), Stuck()))

	assert.Equal(t, []string{"a", "Push channel stuck"}, s.sent)
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discardLogger())

	require.NoError(t, n.Notify(context.Background(), GaveUp(errors.New("boom"))))
	assert.Len(t, s.sent, 1)
	assert.True(t, n.Enabled())
}

func TestNotifierCombinesSenderErrors(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.sent, 1)
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), Stuck()))
}

func TestForPurchaseError(t *testing.T) {
	ev, ok := ForPurchaseError("Case", &domain.PurchaseError{
		Category:     domain.CategoryNeedMoney,
		Source:       domain.SourceOwner,
		NeededAmount: 12345,
		Shortfall:    345,
	})
	require.True(t, ok)
	assert.Equal(t, KindNeedMoney, ev.Kind)
	assert.Equal(t, "Case: need 123.45, short by 3.45", ev.Message)

	ev, ok = ForPurchaseError("Case", domain.NewPurchaseError(domain.CategoryVacOrGameBan, domain.SourceUser, "banned"))
	require.True(t, ok)
	assert.Equal(t, KindUserAction, ev.Kind)

	_, ok = ForPurchaseError("Case", domain.NewPurchaseError(domain.CategoryAttemptsFailed, domain.SourceMarket, "no luck"))
	assert.False(t, ok)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "nope")
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
