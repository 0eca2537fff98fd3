package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/posguard/internal/api"
	"github.com/g960059/posguard/internal/appclient"
	"github.com/g960059/posguard/internal/config"
	"github.com/g960059/posguard/internal/doctor"
	"github.com/g960059/posguard/internal/model"
)

type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
	in     io.Reader
	loc    *time.Location
	cfg    config.Config
	socket bool
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	r := newRunner(appclient.New(socketPath), out, errOut)
	r.socket = true
	return r
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	return newRunner(appclient.NewWithClient(baseURL, client), out, errOut)
}

func newRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		client: client,
		out:    out,
		errOut: errOut,
		in:     os.Stdin,
		loc:    time.Local,
		cfg:    config.DefaultConfig(),
	}
}

// WithInput sets where confirmations and console answers are read from.
func (r *Runner) WithInput(in io.Reader) *Runner {
	if in != nil {
		r.in = in
	}
	return r
}

// WithConfig sets the configuration that doctor checks and whose zone is
// used for wall-clock times.
func (r *Runner) WithConfig(cfg config.Config) *Runner {
	r.cfg = cfg
	if loc, err := cfg.Location(); err == nil {
		r.loc = loc
	}
	return r
}

// WithLocation sets the zone used to parse and print wall-clock times.
func (r *Runner) WithLocation(loc *time.Location) *Runner {
	if loc != nil {
		r.loc = loc
	}
	return r
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.socket {
		r.client = appclient.New(socketPath)
		r.cfg.SocketPath = socketPath
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "reasons":
		return r.runReasons(ctx, rest[1:])
	case "activate":
		return r.runActivate(ctx, rest[1:])
	case "deactivate":
		return r.runDeactivate(ctx, rest[1:])
	case "package":
		return r.runPackage(ctx, rest[1:])
	case "invoice":
		return r.runInvoice(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	case "console":
		return r.runConsole(ctx, rest[1:])
	case "doctor":
		return r.runDoctor(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.client.Status(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	r.printState(resp.State)
	_, _ = fmt.Fprintf(r.out, "health\t%s\t%s\tfailures=%d\n", resp.Health.Last, resp.Health.Level, resp.Health.ConsecutiveFailures)
	_, _ = fmt.Fprintf(r.out, "invoices\t%s\n", strings.Join(resp.InvoiceQuery.Statuses, ","))
	if resp.Offer != nil {
		_, _ = fmt.Fprintf(r.out, "offer\tbackend %s since %s; run `posguard activate` to enter contingency\n",
			resp.Offer.Status, r.display(resp.Offer.OfferedAt))
	}
	return 0
}

func (r *Runner) printState(st api.ContingencyState) {
	if st.Mode != string(model.ModeContingency) {
		_, _ = fmt.Fprintln(r.out, "mode\tnormal")
		return
	}
	state := "active"
	if !st.Active {
		state = "lapsed"
	}
	_, _ = fmt.Fprintf(r.out, "mode\tcontingency\t%s\tevent=%d\n", state, st.EventID)
	if st.Reason != nil {
		_, _ = fmt.Fprintf(r.out, "reason\t%d\t%s\n", st.Reason.ClassifierCode, st.Reason.Description)
	}
	if st.ActivatedAt != nil {
		_, _ = fmt.Fprintf(r.out, "since\t%s\n", r.display(*st.ActivatedAt))
	}
	if st.ExpiresAt != nil {
		_, _ = fmt.Fprintf(r.out, "expires\t%s\tremaining=%s\n", r.display(*st.ExpiresAt), remaining(st.RemainingSeconds))
	}
}

func (r *Runner) runReasons(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("reasons", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	env, err := r.client.Reasons(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	r.printReasons(env.Reasons)
	return 0
}

func (r *Runner) printReasons(reasons []api.Reason) {
	for _, reason := range reasons {
		kind := "instant"
		if reason.Ranged {
			kind = "ranged"
		}
		_, _ = fmt.Fprintf(r.out, "%d\t%s\t%s\n", reason.ClassifierCode, kind, reason.Description)
	}
}

func (r *Runner) runActivate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	code := fs.Int("code", 0, "reason classifier code")
	description := fs.String("description", "", "reason description (defaults to the catalog text)")
	from := fs.String("from", "", "range start, "+model.DisplayLayout)
	to := fs.String("to", "", "range end, "+model.DisplayLayout)
	ref := fs.String("ref", "", "request reference for retries")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *code <= 0 {
		_, _ = fmt.Fprintln(r.errOut, "error: --code is required")
		return 2
	}
	req := api.ActivateRequest{
		RequestRef:     requestRef(*ref),
		ClassifierCode: *code,
		Description:    strings.TrimSpace(*description),
	}
	if (*from == "") != (*to == "") {
		_, _ = fmt.Fprintln(r.errOut, "error: --from and --to must be given together")
		return 2
	}
	if *from != "" {
		start, err := r.parseTime(*from)
		if err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: --from: %v\n", err)
			return 2
		}
		end, err := r.parseTime(*to)
		if err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: --to: %v\n", err)
			return 2
		}
		req.RangeStart = &start
		req.RangeEnd = &end
	}
	resp, err := r.client.Activate(ctx, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	if resp.Replayed {
		_, _ = fmt.Fprintf(r.out, "request %s already applied\n", resp.RequestRef)
	}
	r.printState(resp.State)
	return 0
}

func (r *Runner) runDeactivate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("deactivate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	yes := fs.Bool("yes", false, "skip confirmation")
	ref := fs.String("ref", "", "request reference for retries")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if !*yes {
		prompter := NewTerminalPrompter(r.in, r.out)
		if !prompter.Confirm("End contingency mode and close the significant event?") {
			_, _ = fmt.Fprintln(r.out, "cancelled")
			return 1
		}
	}
	resp, err := r.client.Deactivate(ctx, api.DeactivateRequest{RequestRef: requestRef(*ref)})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "event %d closed\n", resp.EventID)
	if resp.Message != "" {
		_, _ = fmt.Fprintf(r.out, "backend\t%s\n", resp.Message)
	}
	return 0
}

func (r *Runner) runPackage(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("package", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.client.SubmitPackage(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "event %d: %d invoices submitted", resp.EventID, resp.Submitted)
	if resp.ReceptionCode != "" {
		_, _ = fmt.Fprintf(r.out, " (reception %s)", resp.ReceptionCode)
	}
	_, _ = fmt.Fprintln(r.out)
	if resp.Deactivated {
		_, _ = fmt.Fprintln(r.out, "contingency closed")
	}
	return 0
}

func (r *Runner) runInvoice(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: posguard invoice <add|list>")
		return 2
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("invoice add", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "invoice id")
		number := fs.String("number", "", "invoice number")
		total := fs.String("total", "", "invoice total")
		issued := fs.String("issued-at", "", "issue time, "+model.DisplayLayout)
		manual := fs.Bool("manual", false, "invoice was written by hand during the outage")
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if strings.TrimSpace(*number) == "" || strings.TrimSpace(*total) == "" {
			_, _ = fmt.Fprintln(r.errOut, "error: --number and --total are required")
			return 2
		}
		req := api.RecordInvoiceRequest{
			InvoiceID: strings.TrimSpace(*id),
			Number:    strings.TrimSpace(*number),
			Total:     strings.TrimSpace(*total),
			Manual:    *manual,
		}
		if *issued != "" {
			at, err := r.parseTime(*issued)
			if err != nil {
				_, _ = fmt.Fprintf(r.errOut, "error: --issued-at: %v\n", err)
				return 2
			}
			req.IssuedAt = &at
		}
		resp, err := r.client.RecordInvoice(ctx, req)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(resp)
		}
		r.printInvoice(resp.Invoice)
		return 0
	case "list":
		fs := flag.NewFlagSet("invoice list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		status := fs.String("status", "", "comma separated statuses (ignored during contingency)")
		eventID := fs.Int64("event", 0, "event id")
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		opts := appclient.ListInvoicesOptions{EventID: *eventID}
		if *status != "" {
			opts.Statuses = strings.Split(*status, ",")
		}
		env, err := r.client.ListInvoices(ctx, opts)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(env)
		}
		for _, inv := range env.Invoices {
			r.printInvoice(inv)
		}
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown invoice command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) printInvoice(inv api.Invoice) {
	event := "-"
	if inv.EventID > 0 {
		event = strconv.FormatInt(inv.EventID, 10)
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\tevent=%s\t%s\n", inv.InvoiceID, inv.Number, inv.Total, inv.Status, event, r.display(inv.IssuedAt))
}

func (r *Runner) runWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output jsonl")
	once := fs.Bool("once", false, "print the current snapshot and exit")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	emit := func(line api.WatchLine) error {
		if *jsonOut {
			raw, err := json.Marshal(line)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(r.out, string(raw))
			return err
		}
		_, err := fmt.Fprintf(r.out, "%s\t%s\t%s\trev=%d\tremaining=%s\thealth=%s\n",
			r.display(line.EmittedAt), line.Type, line.State.Mode, line.Revision,
			remaining(line.State.RemainingSeconds), line.Health.Level)
		return err
	}
	if *once {
		line, err := r.client.WatchOnce(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if err := emit(line); err != nil {
			return r.handleErr(err)
		}
		return 0
	}
	err := r.client.Watch(ctx, appclient.WatchOptions{}, emit)
	if err != nil && !errors.Is(err, context.Canceled) {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) runDoctor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	res := doctor.Run(ctx, doctor.Options{Config: r.cfg, Health: r.client.Health})
	if *jsonOut {
		if code := r.printJSON(res); code != 0 {
			return code
		}
	} else {
		for _, c := range res.Checks {
			line := fmt.Sprintf("%s\t%s\t%s", c.Status, c.Name, c.Message)
			if c.Path != "" {
				line += "\t" + c.Path
			}
			_, _ = fmt.Fprintln(r.out, line)
		}
	}
	if !res.OK {
		return 1
	}
	return 0
}

func (r *Runner) parseTime(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(model.DisplayLayout, strings.TrimSpace(raw), r.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected %q: %w", model.DisplayLayout, err)
	}
	return t.UTC(), nil
}

func (r *Runner) display(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(r.loc).Format(model.DisplayLayout)
}

func remaining(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func requestRef(raw string) string {
	if ref := strings.TrimSpace(raw); ref != "" {
		return ref
	}
	return uuid.NewString()
}

func (r *Runner) printJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: posguard [--socket <path>] <status|reasons|activate|deactivate|package|invoice|watch|console|doctor> ...")
}
