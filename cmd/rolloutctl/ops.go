package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/namsral/flag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GoCodeAlone/rollout/deploy"
	"github.com/GoCodeAlone/rollout/environment"
)

// signalContext is cancelled on SIGINT/SIGTERM and, when timeout > 0, after
// timeout.
func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// opFlags are shared by the commands that drive the orchestrator, either
// in-process or through a running "rolloutctl serve".
type opFlags struct {
	globalFlags
	server  string
	timeout time.Duration
}

func newOpFlagSet(name string, o *opFlags) *flag.FlagSet {
	fs := newFlagSet(name, &o.globalFlags)
	fs.StringVar(&o.server, "server", "", "Admin API of a running 'rolloutctl serve', e.g. http://localhost:8089")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Minute, "Give up after this long")
	return fs
}

// local builds an orchestrator over the configured state for one command.
func (o *opFlags) local(ctx context.Context) (*app, *deploy.Orchestrator, *environment.Registry, error) {
	a, err := newApp(&o.globalFlags)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := a.registry(ctx)
	if err != nil {
		a.Close()
		return nil, nil, nil, err
	}
	tc, err := a.trafficController(reg, nil)
	if err != nil {
		a.Close()
		return nil, nil, nil, err
	}
	deps := orchestratorDeps{registry: reg, traffic: tc, health: a.healthMonitor(reg, nil)}
	if a.cfg.Migrations.PreDeploy && a.cfg.Database.DSN != "" {
		runner, _, err := a.runner(ctx, nil)
		if err != nil {
			a.Close()
			return nil, nil, nil, err
		}
		deps.migrator = a.migrator(runner)
	}
	orch, err := a.orchestrator(deps)
	if err != nil {
		a.Close()
		return nil, nil, nil, err
	}
	return a, orch, reg, nil
}

func runSplit(args []string) error {
	var o opFlags
	fs := newOpFlagSet("split", &o)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: rolloutctl split [options] BLUE GREEN\n\nSet the traffic split. The two percentages must add up to 100.\n\nOptions:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	split, err := parseSplit(fs.Args())
	if err != nil {
		fs.Usage()
		return err
	}

	ctx, cancel := signalContext(o.timeout)
	defer cancel()

	if o.server != "" {
		var got environment.Split
		if err := callServer(ctx, http.MethodPut, o.server, "/api/v1/split", split, &got); err != nil {
			return err
		}
		fmt.Printf("Traffic split is now %s\n", got)
		return nil
	}

	a, orch, _, err := o.local(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := orch.SetSplit(ctx, split); err != nil {
		return err
	}
	fmt.Printf("Traffic split is now %s\n", orch.Split())
	return nil
}

func parseSplit(args []string) (environment.Split, error) {
	if len(args) != 2 {
		return environment.Split{}, errors.New("split: expected BLUE and GREEN percentages")
	}
	blue, err := strconv.Atoi(args[0])
	if err != nil {
		return environment.Split{}, fmt.Errorf("split: blue: %w", err)
	}
	green, err := strconv.Atoi(args[1])
	if err != nil {
		return environment.Split{}, fmt.Errorf("split: green: %w", err)
	}
	s := environment.Split{Blue: blue, Green: green}
	return s, s.Validate()
}

func runSwitch(args []string) error {
	var o opFlags
	fs := newOpFlagSet("switch", &o)
	strategy := fs.String("strategy", "", "canary or blue-green (default from config)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: rolloutctl switch [options] [blue|green]\n\nShift traffic to the given environment, by default the inactive one.\n\nOptions:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	target := environment.Name(fs.Arg(0))

	ctx, cancel := signalContext(o.timeout)
	defer cancel()

	if o.server != "" {
		var res deploy.Result
		err := callServer(ctx, http.MethodPost, o.server, "/api/v1/switch",
			deploy.SwitchRequest{Target: target, Strategy: *strategy}, &res)
		printResult(&res)
		return err
	}

	a, orch, _, err := o.local(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var res *deploy.Result
	if *strategy == "" {
		res, err = orch.PerformSwitch(ctx, target)
	} else {
		strategies, serr := a.strategies()
		if serr != nil {
			return serr
		}
		s, serr := strategies.Lookup(*strategy)
		if serr != nil {
			return serr
		}
		res, err = orch.PerformSwitchWith(ctx, target, s)
	}
	printResult(res)
	return err
}

func runRollback(args []string) error {
	var o opFlags
	fs := newOpFlagSet("rollback", &o)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: rolloutctl rollback [options]\n\nMove all traffic to the standby environment at once if it is healthy,\notherwise trigger the external rollback.\n\nOptions:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext(o.timeout)
	defer cancel()

	if o.server != "" {
		var res deploy.Result
		err := callServer(ctx, http.MethodPost, o.server, "/api/v1/rollback/emergency", nil, &res)
		printResult(&res)
		return err
	}

	a, orch, _, err := o.local(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	res, err := orch.EmergencyRollback(ctx)
	printResult(res)
	return err
}

func runDeploy(args []string) error {
	var o opFlags
	fs := newOpFlagSet("deploy", &o)
	env := fs.String("env", "", "Environment to deploy to (default: the inactive one)")
	image := fs.String("image", "", "Image repository override")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: rolloutctl deploy [options] VERSION\n\nRun pre-deploy migrations, replace the containers of the inactive\nenvironment and wait for it to become healthy. Traffic is not moved.\n\nOptions:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	version := fs.Arg(0)
	if version == "" {
		fs.Usage()
		return errors.New("deploy: version required")
	}

	ctx, cancel := signalContext(o.timeout)
	defer cancel()

	if o.server != "" {
		var res deploy.Result
		err := callServer(ctx, http.MethodPost, o.server, "/api/v1/deploy",
			deploy.DeployRequest{Environment: environment.Name(*env), Version: version, Image: *image}, &res)
		printResult(&res)
		return err
	}

	a, orch, reg, err := o.local(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	target := environment.Name(*env)
	if target == "" {
		target = reg.Inactive()
	}
	res, err := orch.Deploy(ctx, target, version, *image)
	printResult(res)
	return err
}

func runStatus(args []string) error {
	var o opFlags
	fs := newOpFlagSet("status", &o)
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext(o.timeout)
	defer cancel()

	var report deploy.Report
	if o.server != "" {
		if err := callServer(ctx, http.MethodGet, o.server, "/api/v1/status", nil, &report); err != nil {
			return err
		}
	} else {
		a, orch, _, err := o.local(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		report = orch.Snapshot()
	}

	if *asJSON {
		return printJSON(report)
	}
	fmt.Printf("Active: %s   Split: %s   Phase: %s\n\n", report.Active, report.Split, report.Phase)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENV\tVERSION\tACTIVE\tHEALTHY\tLAST CHECK\tDEPLOYED")
	for _, st := range report.Environments {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%s\n", st.Environment, st.Version, st.IsActive, st.IsHealthy,
			formatTime(st.LastHealthCheck), st.DeployedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if report.LastResult != nil {
		fmt.Println()
		printResult(report.LastResult)
	}
	return nil
}

func printResult(res *deploy.Result) {
	if res == nil || res.ID == "" {
		return
	}
	fmt.Printf("%s %s: %s", res.Kind, res.ID, res.Status)
	if res.Environment != "" {
		fmt.Printf(" (%s", res.Environment)
		if res.Version != "" {
			fmt.Printf(" %s", res.Version)
		}
		fmt.Print(")")
	}
	fmt.Printf(", traffic %s -> %s\n", res.From, res.To)
	for i, step := range res.Steps {
		mark := "ok"
		if !step.Healthy {
			mark = "unhealthy"
		}
		fmt.Printf("  step %d: %s %s\n", i+1, step.Split, mark)
	}
	if res.Message != "" {
		fmt.Printf("  %s\n", res.Message)
	}
}

var apiClient = &http.Client{
	Transport: otelhttp.NewTransport(http.DefaultTransport),
}

// callServer sends body as JSON and decodes the reply into out. Error
// replies that still carry a result are decoded before the error returns.
func callServer(ctx context.Context, method, server, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(server, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.Unmarshal(data, out)
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
	}
	_ = json.Unmarshal(data, out)
	return fmt.Errorf("%s %s: %s", method, path, resp.Status)
}
