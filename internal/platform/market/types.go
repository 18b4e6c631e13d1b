package market

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// number decodes a JSON number or numeric string.
type number struct {
	d   decimal.Decimal
	set bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("market: decode number %q: %w", s, err)
	}
	n.d, n.set = d, true
	return nil
}

// Int returns the value rounded to a whole number.
func (n number) Int() int64 {
	return n.d.Round(0).IntPart()
}

// text decodes a JSON string or number as a string.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("market: decode text: %w", err)
	}
	*t = text(n.String())
	return nil
}

type apiSearchResponse struct {
	Success bool               `json:"success"`
	Error   string             `json:"error"`
	Data    []apiSearchVariant `json:"data"`
}

type apiSearchVariant struct {
	ClassID    text   `json:"i_classid"`
	InstanceID text   `json:"i_instanceid"`
	HashName   string `json:"market_hash_name"`
	Hash       string `json:"hash"`
	Price      number `json:"price"`
	Offers     number `json:"offers"`
	Count      number `json:"count"`
}

type apiBuyResponse struct {
	Result string `json:"result"`
	ID     text   `json:"id"`
}

type apiMoneyResponse struct {
	Money number `json:"money"`
}

type apiWSAuthResponse struct {
	Success bool   `json:"success"`
	WSAuth  string `json:"wsAuth"`
	Error   string `json:"error"`
}

type apiHistoryResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	History []apiHistoryEvent `json:"history"`
}

type apiHistoryEvent struct {
	Event string `json:"h_event"`
	Item  text   `json:"item"`
	Stage number `json:"stage"`
	Time  number `json:"h_time"`
}

type apiPingResponse struct {
	Success bool   `json:"success"`
	Ping    string `json:"ping"`
	Error   string `json:"error"`
}

type apiTokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Error   string `json:"error"`
}
