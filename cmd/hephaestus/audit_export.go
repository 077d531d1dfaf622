package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/IAmJonoBo/hephaestus/pkg/audit"
)

// runAuditExport bundles a day range of audit logs into a zip evidence
// pack and prints its canonical checksum.
func runAuditExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit-export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir    string
		from   string
		to     string
		output string
	)
	cmd.StringVar(&dir, "dir", "", "Audit log directory (default: env or "+audit.DefaultLogDir+")")
	cmd.StringVar(&from, "from", "", "First day to include, YYYY-MM-DD (default: 7 days ago)")
	cmd.StringVar(&to, "to", "", "Last day to include, YYYY-MM-DD (default: today)")
	cmd.StringVar(&output, "output", "audit-evidence.zip", "Output archive path")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	now := time.Now().UTC()
	start := now.AddDate(0, 0, -7)
	end := now

	var err error
	if from != "" {
		start, err = time.Parse("2006-01-02", from)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --from: %v\n", err)
			return 2
		}
	}
	if to != "" {
		end, err = time.Parse("2006-01-02", to)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --to: %v\n", err)
			return 2
		}
	}

	pack, checksum, err := audit.NewExporter(dir).GeneratePack(start, end)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := os.WriteFile(output, pack, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot write %s: %v\n", output, err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "Wrote %s (%d bytes)\nsha256 %s\n", output, len(pack), checksum)
	return 0
}
