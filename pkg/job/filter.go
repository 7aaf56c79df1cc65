package job

import "time"

// Filter selects a subset of jobs for Store.List (spec §4.1).
type Filter struct {
	Stage           Stage
	StatusSubstring string
	UpdatedAfter    time.Time
	UpdatedBefore   time.Time
	IncludeTerminal bool
}

// NonTerminal is the filter used by the StageEngine tick loop (spec §4.5
// step 2: "load all non-terminal jobs").
func NonTerminal() Filter {
	return Filter{}
}
