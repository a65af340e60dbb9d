package fanout

import (
	"fmt"
	"strconv"
	"strings"

	"context"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/provider"
)

// VoteCount tallies votes for a single option.
type VoteCount struct {
	Option string `json:"option"`
	Votes  int    `json:"votes"`
}

// VoteResult is the reduced outcome of a voting round.
type VoteResult struct {
	WinningOption string      `json:"winning_option"`
	WinningIndex  int         `json:"winning_index"` // 0-based
	VoteCounts    []VoteCount `json:"vote_counts"`
	TotalVotes    int         `json:"total_votes"` // valid votes only
	Consensus     bool        `json:"consensus"`
}

// Voting issues the same classification prompt to N independent
// completions and reduces the votes to a plurality decision.
type Voting struct {
	exec   *Executor
	logger *zap.Logger
}

// NewVoting creates a voting aggregator over a fan-out executor.
// Votes are sampled with a nonzero temperature so voters diverge.
func NewVoting(llm provider.Completer, model string, poolSize int, logger *zap.Logger) *Voting {
	exec := NewExecutor(llm, model, poolSize, logger).
		WithTemperature(0.7).
		WithMaxTokens(10)
	return &Voting{exec: exec, logger: logger}
}

// Vote runs voterCount independent completions over the question and
// options. Unparseable or out-of-range votes are discarded. Ties are
// broken deterministically in favor of the lowest option index.
// Consensus is true iff the winning count exceeds half of the valid
// votes cast.
func (v *Voting) Vote(ctx context.Context, question string, options []string, voterCount int) (*VoteResult, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("vote requires at least one option")
	}
	if voterCount <= 0 {
		return nil, fmt.Errorf("vote requires at least one voter")
	}

	var optionsList strings.Builder
	for i, opt := range options {
		fmt.Fprintf(&optionsList, "%d. %s\n", i+1, opt)
	}
	prompt := fmt.Sprintf(`Consider this question:
%s

Options:
%s
Analyze carefully and respond with only the number of your chosen option.`, question, optionsList.String())

	subtasks := make([]Subtask, voterCount)
	for i := range subtasks {
		subtasks[i] = Subtask{Name: fmt.Sprintf("voter_%d", i), Prompt: prompt}
	}
	outcomes := v.exec.Execute(ctx, subtasks)

	counts := make([]int, len(options))
	validVotes := 0
	for _, o := range outcomes {
		if !o.Success {
			continue
		}
		idx, ok := parseVote(o.Result, len(options))
		if !ok {
			v.logger.Debug("discarding unparseable vote", zap.String("raw", o.Result))
			continue
		}
		counts[idx]++
		validVotes++
	}

	// Lowest index wins ties: strict greater-than over ascending indexes.
	winningIndex := 0
	maxVotes := 0
	for i, c := range counts {
		if c > maxVotes {
			maxVotes = c
			winningIndex = i
		}
	}

	voteCounts := make([]VoteCount, len(options))
	for i, opt := range options {
		voteCounts[i] = VoteCount{Option: opt, Votes: counts[i]}
	}

	return &VoteResult{
		WinningOption: options[winningIndex],
		WinningIndex:  winningIndex,
		VoteCounts:    voteCounts,
		TotalVotes:    validVotes,
		Consensus:     validVotes > 0 && maxVotes > validVotes/2,
	}, nil
}

// parseVote reads a 1-based option number from a voter's raw response
// and returns the 0-based index.
func parseVote(raw string, optionCount int) (int, bool) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimRight(fields[0], "."))
	if err != nil || n < 1 || n > optionCount {
		return 0, false
	}
	return n - 1, true
}

// SafetyResult is the outcome of a unanimous-safety vote.
type SafetyResult struct {
	IsSafe      bool `json:"is_safe"`
	SafeVotes   int  `json:"safe_votes"`
	UnsafeVotes int  `json:"unsafe_votes"`
	Unanimous   bool `json:"unanimous"`
}

// SafetyVote asks voterCount independent completions whether content is
// safe. IsSafe requires every voter to answer SAFE; Unanimous reports
// whether all voters agreed in either direction. Voter errors count as
// unsafe votes.
func (v *Voting) SafetyVote(ctx context.Context, content string, voterCount int) (*SafetyResult, error) {
	if voterCount <= 0 {
		return nil, fmt.Errorf("safety vote requires at least one voter")
	}

	prompt := fmt.Sprintf(`Evaluate if this content is safe and appropriate:

%s

Respond with only 'SAFE' or 'UNSAFE'.`, content)

	subtasks := make([]Subtask, voterCount)
	for i := range subtasks {
		subtasks[i] = Subtask{Name: fmt.Sprintf("safety_voter_%d", i), Prompt: prompt}
	}
	outcomes := v.exec.Execute(ctx, subtasks)

	safeVotes := 0
	for _, o := range outcomes {
		if !o.Success {
			continue
		}
		upper := strings.ToUpper(o.Result)
		if strings.Contains(upper, "SAFE") && !strings.Contains(upper, "UNSAFE") {
			safeVotes++
		}
	}

	allSafe := safeVotes == voterCount
	allUnsafe := safeVotes == 0

	return &SafetyResult{
		IsSafe:      allSafe,
		SafeVotes:   safeVotes,
		UnsafeVotes: voterCount - safeVotes,
		Unanimous:   allSafe || allUnsafe,
	}, nil
}
