package model

// Stage is a step of the per-request pipeline.
type Stage string

// Pipeline stages in order.
const (
	StageReceived    Stage = "received"
	StageValidated   Stage = "validated"
	StageStored      Stage = "stored"
	StageInvoked     Stage = "invoked"
	StageInterpreted Stage = "interpreted"
	StageCleaned     Stage = "cleaned"
	StageResponded   Stage = "responded"
)

var stageRank = map[Stage]int{
	StageReceived:    0,
	StageValidated:   1,
	StageStored:      2,
	StageInvoked:     3,
	StageInterpreted: 4,
	StageCleaned:     5,
	StageResponded:   6,
}

// Before reports whether s comes strictly before other in the pipeline.
func (s Stage) Before(other Stage) bool {
	a, ok := stageRank[s]
	b, ok2 := stageRank[other]
	return ok && ok2 && a < b
}
