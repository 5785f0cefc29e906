// mentorctl inspects and maintains the mentor bot data directory without
// the bot running: integrity check and repair, statistics, run history,
// the daily report and spreadsheet export.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashureev/mentorbot/internal/config"
	"github.com/ashureev/mentorbot/internal/delivery"
	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/export"
	"github.com/ashureev/mentorbot/internal/recordstore"
	"github.com/ashureev/mentorbot/internal/report"
)

const usage = `Usage: mentorctl [flags] <command>

Commands:
  check     report directory integrity issues without changing anything
  fix       repair the directory and save it
  stats     directory statistics for today
  history   recent delivery runs
  report    print the daily activity report
  export    write users and runs to an xlsx workbook

Flags:
`

// errCheckFailed makes check exit non-zero when repairs are needed.
var errCheckFailed = errors.New("directory needs repair")

func main() {
	_ = godotenv.Load()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	dataDir string
	asJSON  bool
	out     string
	day     string
	limit   int
	verbose bool
}

func run(args []string, stdout io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("mentorctl", pflag.ContinueOnError)
	flagSet.StringVar(&opts.dataDir, "data-dir", "", "data directory (default: DATA_DIR)")
	flagSet.BoolVar(&opts.asJSON, "json", false, "print JSON instead of text")
	flagSet.StringVarP(&opts.out, "output", "o", "users.xlsx", "export destination")
	flagSet.StringVar(&opts.day, "day", "", "report day as YYYY-MM-DD (default: today)")
	flagSet.IntVarP(&opts.limit, "limit", "n", 20, "number of runs to list")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log store activity to stderr")
	flagSet.SetOutput(io.Discard)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(stdout, usage+flagSet.FlagUsages())
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		fmt.Fprint(stdout, usage+flagSet.FlagUsages())
		return errors.New("expected exactly one command")
	}

	cfg, err := config.LoadOffline()
	if err != nil {
		return err
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}

	level := slog.LevelError
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	records, err := recordstore.New(cfg.DataDir,
		recordstore.WithLogger(logger),
		recordstore.WithBackupRetention(cfg.BackupRetain))
	if err != nil {
		return err
	}
	c := &ctl{
		ctx:     context.Background(),
		opts:    opts,
		out:     stdout,
		dir:     directory.NewRepository(records, cfg.Community.Ladder(), logger),
		history: delivery.NewHistory(records),
	}

	switch cmd := flagSet.Arg(0); cmd {
	case "check":
		return c.check()
	case "fix":
		return c.fix()
	case "stats":
		return c.stats()
	case "history":
		return c.runs()
	case "report":
		return c.report()
	case "export":
		return c.export()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type ctl struct {
	ctx     context.Context
	opts    options
	out     io.Writer
	dir     *directory.Repository
	history *delivery.History
}

func (c *ctl) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *ctl) check() error {
	rep, err := c.dir.Check(c.ctx)
	if err != nil {
		return err
	}
	if c.opts.asJSON {
		if err := c.printJSON(rep); err != nil {
			return err
		}
	} else {
		switch {
		case rep.Corrupted:
			fmt.Fprintf(c.out, "directory file is corrupted: %s\n", rep.Error)
		case rep.OK():
			fmt.Fprintf(c.out, "ok: %d users, no issues\n", rep.Users)
		default:
			fmt.Fprintf(c.out, "%d users, %d issues\n", rep.Users, len(rep.Issues))
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			for _, is := range rep.Issues {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", is.Kind, is.UserID, is.Detail)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
	}
	if !rep.OK() {
		return errCheckFailed
	}
	return nil
}

func (c *ctl) fix() error {
	res, err := c.dir.Fix(c.ctx)
	if err != nil {
		return err
	}
	if c.opts.asJSON {
		return c.printJSON(res)
	}
	fmt.Fprintf(c.out, "repaired: %d -> %d users, %d issues fixed\n", res.Before, res.After, len(res.Issues))
	return nil
}

func (c *ctl) stats() error {
	st, err := c.dir.Stats(c.ctx)
	if err != nil {
		return err
	}
	bs, err := c.history.Stats(c.ctx)
	if err != nil {
		return err
	}
	if c.opts.asJSON {
		return c.printJSON(map[string]any{"directory": st, "broadcasts": bs})
	}
	fmt.Fprintf(c.out, "day %s: %d users, %d new, %d active, %d with mentor, %d without\n",
		st.Day, st.Total, st.NewToday, st.ActiveToday, st.WithMentor, st.WithoutMentor)
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tTOTAL\tACTIVE")
	for _, l := range st.Levels {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", l.Level, l.Total, l.Active)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "broadcasts: %d runs, %d sent, %d failed\n", bs.TotalBroadcasts, bs.TotalSent, bs.TotalFailed)
	return nil
}

func (c *ctl) runs() error {
	runs, err := c.history.Runs(c.ctx)
	if err != nil {
		return err
	}
	if c.opts.limit > 0 && len(runs) > c.opts.limit {
		runs = runs[:c.opts.limit]
	}
	if c.opts.asJSON {
		if runs == nil {
			runs = []*domain.BroadcastRecord{}
		}
		return c.printJSON(runs)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tKIND\tTARGET\tSENT\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\n", r.ID, r.Timestamp.Format("2006-01-02 15:04"),
			r.Kind, r.Target, r.SentCount, r.RecipientsCount, r.FailedCount)
	}
	return tw.Flush()
}

func (c *ctl) report() error {
	users, err := c.dir.Users(c.ctx)
	if err != nil {
		return err
	}
	day := c.opts.day
	if day == "" {
		day = c.dir.Today()
	}
	fmt.Fprintln(c.out, report.Build(users, c.dir.Ladder(), day))
	return nil
}

func (c *ctl) export() (err error) {
	users, err := c.dir.Users(c.ctx)
	if err != nil {
		return err
	}
	runs, err := c.history.Runs(c.ctx)
	if err != nil {
		return err
	}
	f, err := os.Create(c.opts.out)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	if err := export.Write(f, users, runs); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "wrote %d users and %d runs to %s\n", len(users), len(runs), c.opts.out)
	return nil
}
