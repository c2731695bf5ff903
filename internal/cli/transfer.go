package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"yhtransfer/internal/clipboard"
	"yhtransfer/internal/engine"
	"yhtransfer/internal/events"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [local-file]",
	Short: "Upload a file to the storage service",
	Long: `Upload a file either under a directory fid (--parent) or at an absolute
remote path (--to). Identical content already uploaded by the same owner
completes without a transfer when --md5 is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clipboardFlag, _ := cmd.Flags().GetBool("clipboard")
		parent, _ := cmd.Flags().GetString("parent")
		remote, _ := cmd.Flags().GetString("to")
		name, _ := cmd.Flags().GetString("name")
		encFlag, _ := cmd.Flags().GetString("encrypt")
		onlyWifi, _ := cmd.Flags().GetBool("only-wifi")
		force, _ := cmd.Flags().GetBool("force")
		digest, _ := cmd.Flags().GetString("md5")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		owner, _ := cmd.Flags().GetString("owner-appid")
		ownerUID, _ := cmd.Flags().GetString("owner-appuid")

		var local string
		if len(args) > 0 {
			local = args[0]
		}
		if clipboardFlag {
			p, err := clipboard.ReadPath()
			if err != nil {
				return err
			}
			local = p
			fmt.Fprintf(cmd.OutOrStdout(), "Path from clipboard: %s\n", p)
		}
		if local == "" {
			return cmd.Help()
		}
		if parent != "" && remote != "" {
			return errors.New("--parent and --to are mutually exclusive")
		}
		enc, err := types.ParseEncryptType(encFlag)
		if err != nil {
			return err
		}

		m, s, err := openEngine()
		if err != nil {
			return err
		}
		defer executeGlobalShutdown("cli: upload done")

		label := filepath.Base(local)
		return runTask(cmd, m, s, label, func(cb events.Callback) (int64, error) {
			if remote != "" {
				return m.SubmitUploadToPath(s, engine.UploadToPath{
					LocalPath:  local,
					RemotePath: remote,
					Encrypt:    enc,
					OnlyWifi:   onlyWifi,
					Force:      force,
					Appid:      owner,
					Appuid:     ownerUID,
					IsOwner:    owner == "" || owner == s.Appid,
					Digest:     digest,
					Tags:       tags,
				}, cb)
			}
			return m.SubmitUploadByFid(s, engine.UploadByFid{
				LocalPath:   local,
				ParentFid:   parent,
				Name:        name,
				Encrypt:     enc,
				OnlyWifi:    onlyWifi,
				OwnerAppid:  owner,
				OwnerAppuid: ownerUID,
				Digest:      digest,
			}, cb)
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:     "download <fid> <local-file>",
	Aliases: []string{"get"},
	Short:   "Download an object by fid",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		onlyWifi, _ := cmd.Flags().GetBool("only-wifi")
		fid, local := args[0], utils.EnsureAbsPath(args[1])

		m, s, err := openEngine()
		if err != nil {
			return err
		}
		defer executeGlobalShutdown("cli: download done")

		return runTask(cmd, m, s, filepath.Base(local), func(cb events.Callback) (int64, error) {
			return m.SubmitDownload(s, engine.Download{LocalPath: local, Fid: fid, OnlyWifi: onlyWifi}, cb)
		})
	},
}

// runTask submits one task, renders its progress and waits for the
// terminal event. An interrupt cancels the task instead of killing the
// process, so partial downloads are cleaned up.
func runTask(cmd *cobra.Command, m *engine.Manager, s *engine.Session, label string,
	submit func(cb events.Callback) (int64, error)) error {
	out := cmd.OutOrStdout()
	printer := newProgressPrinter(out, label)
	done := make(chan *events.CallbackEvent, 1)

	id, err := submit(func(ev *events.CallbackEvent) {
		printer.update(ev)
		if ev.Terminal() {
			done <- ev.Clone()
		}
		ev.Release()
	})
	if err != nil {
		return err
	}
	utils.Debug("cli: submitted task %d (%s)", id, label)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case ev := <-done:
			switch ev.Status {
			case types.StatusUploadComplete:
				fmt.Fprintf(out, "Uploaded: %s fid=%s\n", label, ev.Fid)
			case types.StatusDownloadComplete:
				fmt.Fprintf(out, "Downloaded: %s\n", label)
			default:
				return fmt.Errorf("task %d failed: %s", id, ev.ErrorMsg)
			}
			return nil
		case sig := <-sigChan:
			fmt.Fprintf(out, "\nReceived signal: %s. Cancelling...\n", sig)
			m.Cancel(s, id)
		}
	}
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().Bool("clipboard", false, "Read the local path from the clipboard")
	uploadCmd.Flags().StringP("parent", "p", "", "Directory fid to upload into")
	uploadCmd.Flags().StringP("to", "t", "", "Absolute remote path to upload to")
	uploadCmd.Flags().StringP("name", "n", "", "Remote name (default: local file name)")
	uploadCmd.Flags().StringP("encrypt", "e", "none", "Encryption: src, none, ecb or cbc")
	uploadCmd.Flags().Bool("only-wifi", false, "Transfer only while on wifi")
	uploadCmd.Flags().BoolP("force", "f", false, "Replace an existing object at --to")
	uploadCmd.Flags().String("md5", "", "Expected MD5 of the file; enables dedup")
	uploadCmd.Flags().StringSlice("tag", nil, "Tag to attach (repeatable)")
	uploadCmd.Flags().String("owner-appid", "", "Owner app id (default: session)")
	uploadCmd.Flags().String("owner-appuid", "", "Owner app user id (default: session)")

	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().Bool("only-wifi", false, "Transfer only while on wifi")
}
