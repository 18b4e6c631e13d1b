package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// Literal control tokens exchanged over the push channel.
const (
	tokenPing       = "ping"
	tokenPong       = "pong"
	tokenAuthFailed = "auth"
)

// Push message types.
const (
	typeBalance      = "money"
	typeItemAdd      = "additem_go"
	typeItemStatus   = "itemstatus_go"
	typeNotification = "webnotify"
	typeImportant    = "imp_msg"
)

// ignoredTypes are push types the bot does not act on.
var ignoredTypes = map[string]struct{}{
	"itemout_new_go":    {},
	"invcache_go":       {},
	"webnotify_bets_cs": {},
	"webnotify_bets_go": {},
	"newitems_go":       {},
	"history_go":        {},
	"setdirect":         {},
	"onlinecheck":       {},
	"setonline":         {},
}

// Notification texts that duplicate other pushes.
const (
	textItemReadyToTake = "Купленный предмет готов к получению, заберите его на странице \"Мои вещи\""
	textSupportAnswer   = "Получен новый ответ от техподдержки"
)

// defaultLeft is reported when a push does not say how long is left to
// withdraw an item.
const defaultLeft = -1

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeEnvelope parses the outer {type, data} frame and unwraps data, which
// the marketplace sends as a JSON-encoded string.
func decodeEnvelope(raw []byte) (string, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: envelope: %v", domain.ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("%w: envelope without type", domain.ErrMalformedMessage)
	}
	data, err := unwrapData(env.Data)
	if err != nil {
		return env.Type, nil, err
	}
	return env.Type, data, nil
}

// unwrapData strips string encoding from data. A string whose content is not
// JSON is returned as a JSON string so callers can still read it.
func unwrapData(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Already an object, number or array.
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: data", domain.ErrMalformedMessage)
		}
		return data, nil
	}
	inner := json.RawMessage(s)
	if json.Valid(inner) {
		return inner, nil
	}
	return data, nil
}

// parseMoney extracts a decimal amount from text such as "123.45<small>RUB"
// and converts it to minor units.
func parseMoney(text string) (int64, error) {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return 0, fmt.Errorf("%w: money %q: %v", domain.ErrMalformedMessage, text, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) int64() int64 {
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (f flexString) int64Or(def int64) int64 {
	if f == "" {
		return def
	}
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return def
	}
	return n
}

type itemAddPush struct {
	ID     flexString `json:"ui_id"`
	Status flexString `json:"ui_status"`
	Price  flexString `json:"ui_price"`
	BotID  flexString `json:"ui_bid"`
	Left   flexString `json:"left"`
}

type itemStatusPush struct {
	ID     flexString `json:"id"`
	Status flexString `json:"status"`
	BotID  flexString `json:"bid"`
	Left   flexString `json:"left"`
}

func decodeItemAdd(data json.RawMessage) (domain.ItemEvent, error) {
	var p itemAddPush
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.ItemEvent{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedMessage, typeItemAdd, err)
	}
	ev := domain.ItemEvent{
		MarketID: string(p.ID),
		Status:   domain.ItemStatus(p.Status.int64()),
		BotID:    string(p.BotID),
		Left:     p.Left.int64Or(defaultLeft),
	}
	if p.Price != "" {
		price, err := decimal.NewFromString(string(p.Price))
		if err != nil {
			return domain.ItemEvent{}, fmt.Errorf("%w: %s price: %v", domain.ErrMalformedMessage, typeItemAdd, err)
		}
		ev.Price = price.Shift(2).Round(0).IntPart()
	}
	return ev, nil
}

func decodeItemStatus(data json.RawMessage) (domain.ItemEvent, error) {
	var p itemStatusPush
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.ItemEvent{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedMessage, typeItemStatus, err)
	}
	return domain.ItemEvent{
		MarketID: string(p.ID),
		Status:   domain.ItemStatus(p.Status.int64()),
		BotID:    string(p.BotID),
		Left:     p.Left.int64Or(defaultLeft),
		Update:   true,
	}, nil
}

func decodeNotification(kind string, data json.RawMessage) (domain.Notification, error) {
	// Notifications may carry one more layer of string encoding.
	inner, err := unwrapData(data)
	if err != nil {
		return domain.Notification{}, err
	}
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(inner, &p); err != nil {
		var text string
		if err2 := json.Unmarshal(inner, &text); err2 != nil {
			return domain.Notification{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedMessage, kind, err)
		}
		p.Text = text
	}
	return domain.Notification{Type: kind, Text: p.Text}, nil
}

// routine reports whether a notification repeats information the bot already
// gets from other pushes.
func routine(n domain.Notification) bool {
	return n.Text == textItemReadyToTake || n.Text == textSupportAnswer
}
