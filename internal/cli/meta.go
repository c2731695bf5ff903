package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"yhtransfer/internal/engine"
	"yhtransfer/internal/transfer/types"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <name>",
	Short: "Create a directory and print its fid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetString("parent")
		m, s, err := openEngine()
		if err != nil {
			return err
		}
		defer executeGlobalShutdown("cli: mkdir done")

		fid, err := m.CreateDir(s, parent, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), fid)
		return nil
	},
}

var urlCmd = &cobra.Command{
	Use:   "url <fid>",
	Short: "Print a download or thumbnail URL for a fid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt64("version")
		path, _ := cmd.Flags().GetString("path")
		onlyWifi, _ := cmd.Flags().GetBool("only-wifi")
		thumb, _ := cmd.Flags().GetBool("thumb")

		m, s, err := openEngine()
		if err != nil {
			return err
		}
		defer executeGlobalShutdown("cli: url done")

		var u string
		if thumb {
			u, err = m.GetThumbURL(s, args[0], types.Thumb200)
		} else {
			u, err = m.GetURL(s, args[0], onlyWifi, version, path)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished transfers recorded in the work dir",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		m, err := engine.New(engine.Options{WorkDir: workDir})
		if err != nil {
			return err
		}
		registerShutdown(m)
		defer executeGlobalShutdown("cli: history done")

		records, err := m.History(limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "No transfers recorded.")
			return nil
		}
		for _, r := range records {
			line := fmt.Sprintf("#%d %-8s %-16s %9s %s -> %s", r.TaskID, r.Direction, r.Status,
				humanize.IBytes(uint64(max(r.Size, 0))), r.LocalPath, r.Remote)
			if r.Fid != "" {
				line += " fid=" + r.Fid
			}
			if r.Error != "" {
				line += " error=" + r.Error
			}
			line += " (" + humanize.Time(time.Unix(r.FinishedAt, 0)) + ")"
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mkdirCmd)
	mkdirCmd.Flags().StringP("parent", "p", "", "Parent directory fid (default: root)")

	rootCmd.AddCommand(urlCmd)
	urlCmd.Flags().Int64("version", 0, "Object version (default: latest)")
	urlCmd.Flags().String("path", "", "Path hint used for the download file name")
	urlCmd.Flags().Bool("only-wifi", false, "Fail unless on wifi")
	urlCmd.Flags().Bool("thumb", false, "Print the 200px thumbnail URL instead")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "l", 20, "Maximum records to show (0 for all)")
}
