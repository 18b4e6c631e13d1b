package domain

// WalletState is the believed account balance. Known is false until the first
// poll or push delivers a value.
type WalletState struct {
	Balance  int64
	Known    bool
	Currency string
}

// BalanceChange is emitted whenever the believed balance moves.
type BalanceChange struct {
	Balance int64
	Delta   int64
	Initial bool // first value ever known; Delta is measured from zero
}

// EventStage is the stage of a buy operation in the account history.
type EventStage int

const (
	StageWaiting      EventStage = 1
	StageReady        EventStage = 2
	StageUnknown3     EventStage = 3
	StageUnknown4     EventStage = 4
	StageUnsuccessful EventStage = 5
)

// Valid reports whether s is one of the stages the marketplace documents.
func (s EventStage) Valid() bool {
	return s >= StageWaiting && s <= StageUnsuccessful
}
