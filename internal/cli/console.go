package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/g960059/posguard/internal/api"
	"github.com/g960059/posguard/internal/model"
)

// runConsole keeps an operator session open against the daemon: it prints
// mode changes and asks whether to enter contingency each time the daemon
// reports a failed health probe.
func (r *Runner) runConsole(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("console", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	interval := fs.Duration("interval", 5*time.Second, "status poll interval")
	polls := fs.Int("polls", 0, "stop after n polls (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *interval <= 0 {
		_, _ = fmt.Fprintln(r.errOut, "error: --interval must be positive")
		return 2
	}

	prompter := NewTerminalPrompter(r.in, r.out)
	var lastLine string
	var answered time.Time
	timer := time.NewTimer(0)
	defer timer.Stop()
	for n := 0; *polls == 0 || n < *polls; n++ {
		select {
		case <-ctx.Done():
			return 0
		case <-timer.C:
		}
		resp, err := r.client.Status(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return 0
		case err != nil:
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		default:
			if line := r.consoleLine(resp); line != lastLine {
				_, _ = fmt.Fprintln(r.out, line)
				lastLine = line
			}
			if resp.Offer != nil && !resp.Offer.OfferedAt.Equal(answered) {
				answered = resp.Offer.OfferedAt
				if prompter.OfferContingency(ctx, model.HealthStatus(resp.Offer.Status)) {
					r.activationDialog(ctx, prompter, resp.State.RangeDraft)
				}
			}
		}
		timer.Reset(*interval)
	}
	return 0
}

func (r *Runner) consoleLine(resp api.StatusResponse) string {
	health := fmt.Sprintf("health=%s/%s", resp.Health.Last, resp.Health.Level)
	st := resp.State
	if st.Mode != string(model.ModeContingency) {
		return "[normal] " + health
	}
	line := fmt.Sprintf("[contingency] event=%d", st.EventID)
	if st.ExpiresAt != nil {
		line += " until " + r.display(*st.ExpiresAt)
	}
	if !st.Active {
		line += " (lapsed)"
	}
	return line + " " + health
}

func (r *Runner) activationDialog(ctx context.Context, prompter *TerminalPrompter, draft *api.RangeDraft) {
	env, err := r.client.Reasons(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return
	}
	r.printReasons(env.Reasons)
	answer, err := prompter.Ask("Reason code:")
	if err != nil || answer == "" {
		_, _ = fmt.Fprintln(r.out, "cancelled")
		return
	}
	code, err := strconv.Atoi(answer)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: invalid reason code %q\n", answer)
		return
	}
	req := api.ActivateRequest{RequestRef: requestRef(""), ClassifierCode: code}
	for _, reason := range env.Reasons {
		if reason.ClassifierCode != code || !reason.Ranged {
			continue
		}
		start, ok := r.askTime(prompter, "Range start", draftBound(draft, code, true))
		if !ok {
			return
		}
		end, ok := r.askTime(prompter, "Range end", draftBound(draft, code, false))
		if !ok {
			return
		}
		req.RangeStart = &start
		req.RangeEnd = &end
	}
	resp, err := r.client.Activate(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return
	}
	r.printState(resp.State)
}

func draftBound(draft *api.RangeDraft, code int, start bool) *time.Time {
	if draft == nil || draft.ClassifierCode != code {
		return nil
	}
	if start {
		return &draft.RangeStart
	}
	return &draft.RangeEnd
}

// askTime reads a wall-clock time; an empty answer keeps fallback when set.
func (r *Runner) askTime(prompter *TerminalPrompter, label string, fallback *time.Time) (time.Time, bool) {
	question := fmt.Sprintf("%s (%s):", label, model.DisplayLayout)
	if fallback != nil {
		question = fmt.Sprintf("%s (%s) [%s]:", label, model.DisplayLayout, r.display(*fallback))
	}
	answer, err := prompter.Ask(question)
	if err != nil {
		_, _ = fmt.Fprintln(r.out, "cancelled")
		return time.Time{}, false
	}
	if answer == "" && fallback != nil {
		return fallback.UTC(), true
	}
	t, err := r.parseTime(answer)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return time.Time{}, false
	}
	return t, true
}
