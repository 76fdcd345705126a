package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"sim-editor-go/internal/output"
)

func main() {
	var (
		path  string
		limit int
	)
	cmd := &cobra.Command{
		Use:          "sim-rawlog-dump",
		Short:        "Print recorded sensor messages as JSON",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dump(cmd.OutOrStdout(), cmd.ErrOrStderr(), path, limit)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Path to rawlog .bin file")
	cmd.Flags().IntVar(&limit, "limit", 1, "Number of records to dump (0 for all)")
	_ = cmd.MarkFlagRequired("path")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func dump(out, errOut io.Writer, path string, limit int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rawlog: %w", err)
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(f)
	if err != nil {
		return err
	}

	for count := 0; limit <= 0 || count < limit; count++ {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", count, err)
		}
		if len(rec.Payload) == 0 {
			fmt.Fprintf(errOut, "record %d: empty payload\n", count)
			continue
		}

		var decoded any
		if err := cbor.Unmarshal(rec.Payload, &decoded); err != nil {
			fmt.Fprintf(errOut, "record %d: CBOR decode error: %v\n", count, err)
			continue
		}
		pretty, err := json.MarshalIndent(output.NormalizeJSONValue(decoded), "", "  ")
		if err != nil {
			fmt.Fprintf(errOut, "record %d: JSON encode error: %v\n", count, err)
			continue
		}

		fmt.Fprintf(errOut, "record %d timestamp=%s size=%d\n", count, rec.Time.Format(time.RFC3339Nano), len(rec.Payload))
		fmt.Fprintln(out, string(pretty))
	}
	return nil
}
