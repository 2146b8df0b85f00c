// ilyastat runs a closure and table workload on independent VM instances
// and prints or writes their heap reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/chazu/ilya/config"
	"github.com/chazu/ilya/vm"
	"github.com/chazu/ilya/vm/report"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"
)

var log = commonlog.GetLogger("ilya.cmd")

type runOptions struct {
	instances int
	parallel  int
	rounds    int
	iters     int
	mode      string
	timeout   time.Duration
}

func main() {
	verbose := flag.Int("v", 0, "Extra log verbosity on top of the configured one")
	configDir := flag.String("config", ".", "Directory to start looking for ilya.toml")
	instances := flag.Int("n", 4, "Number of VM instances")
	parallel := flag.Int("j", 0, "Instances running at once (0 = all)")
	rounds := flag.Int("rounds", 3, "Workload runs per instance")
	iters := flag.Int("iters", 10000, "Loop iterations per workload run")
	mode := flag.String("gc", "", "Collector mode override: incremental or generational")
	output := flag.String("o", "", "Write CBOR reports to this file instead of printing a summary")
	dbPath := flag.String("db", "", "Also append the reports to this SQLite database")
	timeout := flag.Duration("timeout", 0, "Interrupt every instance after this long (0 = no limit)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ilyastat [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a closure/table workload on independent VM instances and reports their heaps.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ilyastat -n 8 -j 2           # 8 instances, 2 at a time\n")
		fmt.Fprintf(os.Stderr, "  ilyastat -gc generational    # override the configured mode\n")
		fmt.Fprintf(os.Stderr, "  ilyastat -o heap.cbor        # write reports as CBOR\n")
		fmt.Fprintf(os.Stderr, "  ilyastat -db reports.db      # keep a history of reports\n")
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = config.Default()
	}

	var logPath *string
	if cfg.Log.File != "" {
		logPath = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity+*verbose, logPath)
	if cfg.Path != "" {
		log.Infof("using %s", cfg.Path)
	}

	ro := runOptions{
		instances: *instances,
		parallel:  *parallel,
		rounds:    *rounds,
		iters:     *iters,
		mode:      *mode,
		timeout:   *timeout,
	}
	reports, err := run(context.Background(), cfg, ro)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *dbPath != "" {
		if err := saveReports(*dbPath, reports); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log.Infof("saved %d reports to %s", len(reports), *dbPath)
	}

	if *output != "" {
		data, err := report.MarshalAll(reports)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*output, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log.Infof("wrote %d reports to %s", len(reports), *output)
		return
	}
	printSummary(os.Stdout, reports)
}

// run executes the workload on ro.instances VMs concurrently and returns
// one report per instance, in instance order.
func run(ctx context.Context, cfg *config.Config, ro runOptions) ([]*report.Report, error) {
	if ro.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ro.timeout)
		defer cancel()
	}
	opts := vm.OptionsFromConfig(cfg)
	if ro.mode != "" {
		opts.GCMode = ro.mode
	}

	reports := make([]*report.Report, ro.instances)
	eg, ctx := errgroup.WithContext(ctx)
	if ro.parallel > 0 {
		eg.SetLimit(ro.parallel)
	}
	for i := 0; i < ro.instances; i++ {
		eg.Go(func() error {
			r, err := runInstance(ctx, opts, i, ro)
			if err != nil {
				return fmt.Errorf("instance %d: %w", i, err)
			}
			reports[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// runInstance runs the workload rounds on a fresh VM. Cancelling ctx
// interrupts the running script.
func runInstance(ctx context.Context, opts vm.Options, idx int, ro runOptions) (*report.Report, error) {
	g := vm.NewVM(opts)
	defer g.Close()
	stop := context.AfterFunc(ctx, g.Interrupt)
	defer stop()

	th := g.MainThread()
	w := workload(ro.iters)
	for round := 0; round < ro.rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := th.Load(w); err != nil {
			return nil, err
		}
		if err := th.PCall(0, 1, vm.TracebackHandler); err != nil {
			if e, ok := err.(*vm.Error); ok && e.Traceback != "" {
				log.Errorf("vm %s: %s", g.ID(), e.Traceback)
			}
			return nil, err
		}
		if n := th.RawLen(-1); ro.iters >= slots && n != slots-1 {
			return nil, fmt.Errorf("round %d: border %d, want %d", round, n, slots-1)
		}
		th.Pop(1)
		log.Debugf("vm %s: round %d done, %d bytes", g.ID(), round, g.TotalBytes())
	}
	r := report.Take(g, fmt.Sprintf("instance %d", idx))
	r.Extra = map[string]string{
		"rounds": fmt.Sprint(ro.rounds),
		"iters":  fmt.Sprint(ro.iters),
	}
	return r, nil
}

// saveReports appends reports to the store at path.
func saveReports(path string, reports []*report.Report) error {
	s, err := report.OpenStore(path)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.SaveAll(reports)
}

func printSummary(w io.Writer, reports []*report.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tMODE\tBYTES\tOBJECTS\tSTEPS\tCYCLES\tMINOR\tMAJOR\tFREED")
	for _, r := range reports {
		count, _ := r.Live()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Label, r.Mode, r.TotalBytes, count,
			r.Stats.Steps, r.Stats.Cycles, r.Stats.Minor, r.Stats.Major, r.Stats.Freed)
	}
	tw.Flush()
}
