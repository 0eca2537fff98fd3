package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/posguard/internal/api"
	"github.com/g960059/posguard/internal/contingency"
	"github.com/g960059/posguard/internal/daemon"
	"github.com/g960059/posguard/internal/model"
	"github.com/g960059/posguard/internal/testutil"
	"github.com/g960059/posguard/internal/testutil/stacktest"
)

type cliFixture struct {
	stack  *stacktest.Stack
	srv    *httptest.Server
	out    *bytes.Buffer
	errOut *bytes.Buffer
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	offers := daemon.NewOfferBox(nil, nil)
	stack := stacktest.New(t, stacktest.Options{Prompter: offers})
	srv := daemon.NewServer(stack.Config, stack.Coord, offers, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &cliFixture{stack: stack, srv: ts, out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
}

func (f *cliFixture) runner(input string) *Runner {
	f.out.Reset()
	f.errOut.Reset()
	return NewRunnerWithClient(f.srv.URL, f.srv.Client(), f.out, f.errOut).
		WithLocation(time.UTC).
		WithInput(strings.NewReader(input))
}

func (f *cliFixture) run(t *testing.T, input string, args ...string) int {
	t.Helper()
	return f.runner(input).Run(context.Background(), args)
}

func (f *cliFixture) activate(t *testing.T) {
	t.Helper()
	if _, err := f.stack.Coord.Activate(f.stack.Ctx, contingency.ActivationRequest{ClassifierCode: 2}); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestStatusPrintsModeAndHealth(t *testing.T) {
	f := newCLIFixture(t)
	if code := f.run(t, "", "status"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	if !strings.Contains(f.out.String(), "mode\tnormal") || !strings.Contains(f.out.String(), "invoices\tonline,offline,submitted") {
		t.Fatalf("unexpected status output: %s", f.out.String())
	}

	f.activate(t)
	if code := f.run(t, "", "status"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	for _, want := range []string{"mode\tcontingency\tactive\tevent=77", "reason\t2\tINACCESIBILIDAD AL SERVICIO WEB", "expires\t2026-10-16 11:00:00\tremaining=2h0m0s", "invoices\toffline"} {
		if !strings.Contains(f.out.String(), want) {
			t.Fatalf("expected %q in status output: %s", want, f.out.String())
		}
	}
}

func TestStatusJSON(t *testing.T) {
	f := newCLIFixture(t)
	if code := f.run(t, "", "status", "--json"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	var resp api.StatusResponse
	if err := json.Unmarshal(f.out.Bytes(), &resp); err != nil {
		t.Fatalf("decode status json: %v", err)
	}
	if resp.TerminalID != "t1" || resp.State.Mode != "normal" {
		t.Fatalf("unexpected status: %+v", resp)
	}
}

func TestReasonsMarksRangedCodes(t *testing.T) {
	f := newCLIFixture(t)
	if code := f.run(t, "", "reasons"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(f.out.String()), "\n")
	if len(lines) != 4 || lines[0] != "1\tinstant\tCORTE DEL SERVICIO DE INTERNET" || lines[3] != "6\tranged\tVIRUS INFORMATICO O FALLA DE SOFTWARE" {
		t.Fatalf("unexpected reasons output: %q", lines)
	}
}

func TestActivateRangedParsesWallClockInLocation(t *testing.T) {
	f := newCLIFixture(t)
	loc, err := time.LoadLocation("America/La_Paz")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	r := f.runner("").WithLocation(loc)
	code := r.Run(context.Background(), []string{"activate", "--code", "6", "--from", "2026-10-16 04:30:00", "--to", "2026-10-16 08:00:00"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	if !strings.Contains(f.out.String(), "event=501") || !strings.Contains(f.out.String(), "expires\t2026-10-16 08:00:00") {
		t.Fatalf("unexpected activation output: %s", f.out.String())
	}

	var sent map[string]any
	if err := json.Unmarshal(f.stack.Fake.LastBody("range"), &sent); err != nil {
		t.Fatalf("decode range body: %v", err)
	}
	if sent["rangeStart"] != "2026-10-16 08:30:00" || sent["rangeEnd"] != "2026-10-16 12:00:00" {
		t.Fatalf("unexpected backend range: %v", sent)
	}
}

func TestActivateValidation(t *testing.T) {
	f := newCLIFixture(t)
	cases := [][]string{
		{"activate"},
		{"activate", "--code", "6", "--from", "2026-10-16 08:00:00"},
		{"activate", "--code", "6", "--from", "16/10/2026", "--to", "2026-10-16 10:00:00"},
	}
	for _, args := range cases {
		if code := f.run(t, "", args...); code != 2 {
			t.Fatalf("%v: expected exit 2, got %d", args, code)
		}
	}
	if f.stack.Fake.Calls("start")+f.stack.Fake.Calls("range") != 0 {
		t.Fatalf("invalid input must not reach the backend")
	}
}

func TestActivateSurfacesContractError(t *testing.T) {
	f := newCLIFixture(t)
	f.activate(t)
	if code := f.run(t, "", "activate", "--code", "1"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(f.errOut.String(), "E_ALREADY_ACTIVE") {
		t.Fatalf("expected contract code, got %s", f.errOut.String())
	}
}

func TestDeactivateAsksForConfirmation(t *testing.T) {
	f := newCLIFixture(t)
	f.activate(t)

	if code := f.run(t, "n\n", "deactivate"); code != 1 {
		t.Fatalf("expected exit 1 on decline, got %d", code)
	}
	if !strings.Contains(f.out.String(), "cancelled") || f.stack.Fake.Calls("end") != 0 {
		t.Fatalf("declined deactivation must not call backend: %s", f.out.String())
	}

	if code := f.run(t, "y\n", "deactivate"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	if !strings.Contains(f.out.String(), "event 77 closed") {
		t.Fatalf("unexpected deactivation output: %s", f.out.String())
	}
	if f.stack.Store.Read(f.stack.Ctx).Mode != model.ModeNormal {
		t.Fatalf("expected normal mode after deactivation")
	}
}

func TestDeactivateYesSkipsPrompt(t *testing.T) {
	f := newCLIFixture(t)
	f.activate(t)
	if code := f.run(t, "", "deactivate", "--yes", "--ref", "close-1"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	if strings.Contains(f.out.String(), "[y/N]") {
		t.Fatalf("--yes must not prompt: %s", f.out.String())
	}
}

func TestInvoiceAddListAndPackage(t *testing.T) {
	f := newCLIFixture(t)
	f.activate(t)

	if code := f.run(t, "", "invoice", "add", "--id", "inv-1", "--number", "F-10", "--total", "12.5", "--issued-at", "2026-10-16 09:00:00"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	if !strings.Contains(f.out.String(), "inv-1\tF-10\t12.50\toffline\tevent=77\t2026-10-16 09:00:00") {
		t.Fatalf("unexpected invoice output: %s", f.out.String())
	}

	if code := f.run(t, "", "invoice", "list", "--status", "online"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	if !strings.Contains(f.out.String(), "F-10") {
		t.Fatalf("contingency listing must show offline invoices: %s", f.out.String())
	}

	if code := f.run(t, "", "package"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	if !strings.Contains(f.out.String(), "event 77: 1 invoices submitted (reception RC-1)") || !strings.Contains(f.out.String(), "contingency closed") {
		t.Fatalf("unexpected package output: %s", f.out.String())
	}
}

func TestInvoiceAddRequiresNumberAndTotal(t *testing.T) {
	f := newCLIFixture(t)
	if code := f.run(t, "", "invoice", "add", "--number", "F-1"); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if code := f.run(t, "", "invoice"); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestWatchOncePrintsSnapshot(t *testing.T) {
	f := newCLIFixture(t)
	if code := f.run(t, "", "watch", "--once"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	if !strings.Contains(f.out.String(), "\tsnapshot\tnormal\t") {
		t.Fatalf("unexpected watch output: %s", f.out.String())
	}

	if code := f.run(t, "", "watch", "--once", "--json"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	var line api.WatchLine
	if err := json.Unmarshal(bytes.TrimSpace(f.out.Bytes()), &line); err != nil {
		t.Fatalf("decode watch line: %v", err)
	}
	if line.Type != "snapshot" {
		t.Fatalf("unexpected watch line: %+v", line)
	}
}

func TestConsoleOffersActivationAfterFailedProbe(t *testing.T) {
	f := newCLIFixture(t)
	f.stack.Fake.Update(func(s *testutil.FakeBackendState) { s.HealthStatus = http.StatusServiceUnavailable })
	f.stack.Coord.Monitor().Poll(f.stack.Ctx)

	if code := f.run(t, "y\n2\n", "console", "--polls", "1"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	out := f.out.String()
	for _, want := range []string{"[normal] health=server_fault", "Tax backend check failed (server error). Enter contingency mode? [y/N]", "Reason code:", "mode\tcontingency\tactive\tevent=77"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in console output: %s", want, out)
		}
	}
	if st := f.stack.Store.Read(f.stack.Ctx); st.EventID != 77 || st.EventReason.ClassifierCode != 2 {
		t.Fatalf("unexpected stored state: %+v", st)
	}
}

func TestConsoleDeclineStaysNormal(t *testing.T) {
	f := newCLIFixture(t)
	f.stack.Fake.Update(func(s *testutil.FakeBackendState) { s.HealthStatus = http.StatusServiceUnavailable })
	f.stack.Coord.Monitor().Poll(f.stack.Ctx)

	if code := f.run(t, "n\n", "console", "--polls", "2", "--interval", "1ms"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, f.errOut.String())
	}
	if n := strings.Count(f.out.String(), "[y/N]"); n != 1 {
		t.Fatalf("an offer is asked once per failed probe, asked %d times: %s", n, f.out.String())
	}
	if f.stack.Fake.Calls("start") != 0 || f.stack.Store.Read(f.stack.Ctx).Mode != model.ModeNormal {
		t.Fatalf("declined offer must not activate")
	}
}

func TestTerminalPrompterAnswers(t *testing.T) {
	out := &bytes.Buffer{}
	p := NewTerminalPrompter(strings.NewReader("sí\nmaybe\n"), out)
	if !p.OfferContingency(context.Background(), model.HealthNetworkFailure) {
		t.Fatalf("expected acceptance")
	}
	if !strings.Contains(out.String(), "(no connection)") {
		t.Fatalf("unexpected question: %s", out.String())
	}
	if p.Confirm("again?") {
		t.Fatalf("unrecognized answer must decline")
	}
	if p.Confirm("closed input?") {
		t.Fatalf("closed input must decline")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if NewTerminalPrompter(strings.NewReader("y\n"), out).OfferContingency(ctx, model.HealthServerFault) {
		t.Fatalf("cancelled context must decline")
	}
}

func TestUnknownCommandAndGlobalArgs(t *testing.T) {
	f := newCLIFixture(t)
	if code := f.run(t, "", "nope"); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if code := f.run(t, ""); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	socket, rest, err := parseGlobalArgs([]string{"--socket", "/tmp/p.sock", "status", "--json"})
	if err != nil || socket != "/tmp/p.sock" || strings.Join(rest, " ") != "status --json" {
		t.Fatalf("unexpected parse: %q %v %v", socket, rest, err)
	}
	if _, _, err := parseGlobalArgs([]string{"--socket"}); err == nil {
		t.Fatalf("expected error for missing socket value")
	}
}

func TestDoctorReportsDaemonAndBackend(t *testing.T) {
	f := newCLIFixture(t)
	cfg := f.stack.Config
	cfg.DBPath = filepath.Join(t.TempDir(), "state.db")
	r := f.runner("").WithConfig(cfg)
	if code := r.Run(context.Background(), []string{"doctor"}); code != 0 {
		t.Fatalf("expected exit 0, got %d out=%s stderr=%s", code, f.out.String(), f.errOut.String())
	}
	for _, want := range []string{"pass\tconfig\tterminal t1", "pass\tdaemon\tok", "warn\tbackend_health\tno health probe has run yet", "warn\tstate_db"} {
		if !strings.Contains(f.out.String(), want) {
			t.Fatalf("expected %q in doctor output: %s", want, f.out.String())
		}
	}

	cfg.TimeZone = "Nowhere/Invalid"
	r = f.runner("").WithConfig(cfg)
	if code := r.Run(context.Background(), []string{"doctor", "--json"}); code != 1 {
		t.Fatalf("expected exit 1 for invalid config, got %d", code)
	}
	if !strings.Contains(f.out.String(), `"ok": false`) {
		t.Fatalf("unexpected doctor json: %s", f.out.String())
	}
}
