// Package navigate resolves user references to rows of the visible log.
package navigate

import "fmt"

type Kind uint8

const (
	NotFound Kind = iota
	Success
	// FilteredOut means the commit exists but the active filter hides it.
	FilteredOut
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Success:
		return "success"
	case FilteredOut:
		return "filtered out"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Result is the outcome of a jump. Row is only meaningful on Success.
type Result struct {
	Kind Kind
	Row  int
}

func Found(row int) Result { return Result{Kind: Success, Row: row} }

var (
	notFound    = Result{Kind: NotFound, Row: -1}
	filteredOut = Result{Kind: FilteredOut, Row: -1}
)

func (r Result) OK() bool { return r.Kind == Success }

func (r Result) String() string {
	if r.Kind == Success {
		return fmt.Sprintf("success (row %d)", r.Row)
	}
	return r.Kind.String()
}
