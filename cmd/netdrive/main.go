package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/fjordlab/netdrive/internal/util"
	"github.com/fjordlab/netdrive/pkg/connector"
	"github.com/fjordlab/netdrive/pkg/discovery"
	"github.com/fjordlab/netdrive/pkg/drive"
	"github.com/fjordlab/netdrive/pkg/events"
	"github.com/fjordlab/netdrive/pkg/progress"
	"github.com/fjordlab/netdrive/pkg/queue"
)

// engine bundles the services the commands assemble. Construction happens
// here and nowhere else; every service receives its collaborators
// explicitly.
type engine struct {
	bus     *events.Bus
	tracker *progress.Tracker
	manager *drive.Manager
}

func newEngine() *engine {
	bus := events.NewBus(256)
	tracker := progress.NewTracker(0)
	return &engine{
		bus:     bus,
		tracker: tracker,
		manager: drive.NewManager(connector.NewRegistry(), bus, tracker),
	}
}

type connFlags struct {
	protocol string
	host     string
	port     int
	username string
	password string
	root     string
	secure   bool
	timeout  time.Duration
}

func (f *connFlags) driveConfig() (drive.Config, error) {
	proto, err := connector.ParseProtocol(f.protocol)
	if err != nil {
		return drive.Config{}, err
	}
	return drive.Config{
		Name:     fmt.Sprintf("%s://%s", proto, f.host),
		Protocol: proto,
		Params: connector.ConnectParams{
			Host:     f.host,
			Port:     f.port,
			Username: f.username,
			Password: f.password,
			RootPath: f.root,
			Secure:   f.secure,
			Timeout:  f.timeout,
		},
	}, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	var flags connFlags

	root := &cobra.Command{
		Use:   "netdrive",
		Short: "Discover network storage and move files to and from it",
	}
	root.PersistentFlags().StringVar(&flags.protocol, "protocol", "ftp", "Protocol: ftp, sftp, webdav, smb, cloud")
	root.PersistentFlags().StringVar(&flags.host, "host", "", "Remote host")
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "Remote port (0 = protocol default)")
	root.PersistentFlags().StringVar(&flags.username, "user", "", "Username")
	root.PersistentFlags().StringVar(&flags.password, "password", "", "Password")
	root.PersistentFlags().StringVar(&flags.root, "root", "", "Remote root path (for smb: share[/path])")
	root.PersistentFlags().BoolVar(&flags.secure, "secure", false, "Use TLS where the protocol supports it")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 15*time.Second, "Connect timeout")

	root.AddCommand(scanCmd())
	root.AddCommand(browseCmd(&flags))
	root.AddCommand(getCmd(&flags))
	root.AddCommand(putCmd(&flags))
	root.AddCommand(syncCmd(&flags))

	if err := fang.Execute(context.Background(), root); err != nil {
		os.Exit(1)
	}
}

func scanCmd() *cobra.Command {
	var cidr string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the local network for storage devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := discovery.DefaultConfig()
			cfg.ScanTimeout = duration

			adapters := []discovery.Adapter{discovery.NewMDNSAdapter()}
			if cidr != "" {
				adapters = append(adapters, discovery.NewPortProber(cidr))
			}

			svc, err := discovery.NewService(events.NewBus(64), cfg, adapters...)
			if err != nil {
				return err
			}

			devices, err := svc.Scan(cmd.Context())
			if err != nil && len(devices) == 0 {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("No devices found.")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("%-15s  %-8s  %s\n", d.Addr, d.Type, d.Name)
				for _, s := range d.Services {
					fmt.Printf("    %-8s port %d\n", s.Protocol, s.Port)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cidr, "cidr", "", "Subnet to port-probe in addition to mDNS, e.g. 192.168.1.0/24")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "How long to scan")
	return cmd
}

func browseCmd(flags *connFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "browse [path]",
		Short: "List a remote directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}

			eng := newEngine()
			cfg, err := flags.driveConfig()
			if err != nil {
				return err
			}
			d, err := eng.manager.Mount(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = eng.manager.Unmount(d.ID) }()

			entries, err := eng.manager.Browse(cmd.Context(), d.ID, path)
			if err != nil {
				return err
			}
			for _, e := range entries {
				kind := "-"
				if e.IsDir {
					kind = "d"
				}
				fmt.Printf("%s  %10s  %s  %s\n", kind, util.FormatSize(e.Size),
					e.ModTime.Format("2006-01-02 15:04"), e.Name)
			}
			return nil
		},
	}
}

func getCmd(flags *connFlags) *cobra.Command {
	var checksum string

	cmd := &cobra.Command{
		Use:   "get <remote> <local>",
		Short: "Download a remote file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSingleTransfer(cmd.Context(), flags, queue.Request{
				RemotePath: args[0],
				LocalPath:  args[1],
				Direction:  queue.DirectionDownload,
				Priority:   queue.PriorityNormal,
				Checksum:   checksum,
			})
		},
	}
	cmd.Flags().StringVar(&checksum, "checksum", "", "Expected SHA-256 of the file; verified after download")
	return cmd
}

func putCmd(flags *connFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put <local> <remote>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			return runSingleTransfer(cmd.Context(), flags, queue.Request{
				LocalPath:  args[0],
				RemotePath: args[1],
				Direction:  queue.DirectionUpload,
				Priority:   queue.PriorityNormal,
				TotalBytes: info.Size(),
			})
		},
	}
}

func syncCmd(flags *connFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <local-dir>",
		Short: "Sync a local directory with the remote root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exists, isDir, err := util.CheckDirectory(args[0])
			if err != nil {
				return err
			}
			if !exists || !isDir {
				return fmt.Errorf("%s is not a directory", args[0])
			}

			eng := newEngine()
			cfg, err := flags.driveConfig()
			if err != nil {
				return err
			}
			cfg.LocalRoot = args[0]

			d, err := eng.manager.Mount(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = eng.manager.Unmount(d.ID) }()

			sub := eng.bus.Subscribe()
			n, err := eng.manager.Sync(cmd.Context(), d.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued %d transfers.\n", n)
			if n == 0 {
				return nil
			}
			return watchTransfers(cmd.Context(), sub, eng.tracker, n)
		},
	}
}

// runSingleTransfer mounts a drive, enqueues one item and waits for it to
// settle.
func runSingleTransfer(ctx context.Context, flags *connFlags, req queue.Request) error {
	eng := newEngine()
	cfg, err := flags.driveConfig()
	if err != nil {
		return err
	}

	d, err := eng.manager.Mount(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = eng.manager.Unmount(d.ID) }()

	sub := eng.bus.Subscribe()
	if _, err := d.Queue().Enqueue(req); err != nil {
		return err
	}
	return watchTransfers(ctx, sub, eng.tracker, 1)
}

// watchTransfers consumes events until the expected number of items settle,
// printing progress along the way.
func watchTransfers(ctx context.Context, sub <-chan events.Event, tracker *progress.Tracker, expect int) error {
	settled := 0
	var firstErr error

	for settled < expect {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return firstErr
			}
			te, isTransfer := ev.(events.TransferEvent)
			if !isTransfer {
				continue
			}
			switch te.Type {
			case events.TransferProgressed:
				rate := tracker.Rate(te.ItemID)
				fmt.Printf("\r%s  %5.1f%%  %s/s   ", te.Name, te.Progress*100, util.FormatSize(int64(rate)))
			case events.TransferCompleted:
				fmt.Printf("\r%s  done (%s)        \n", te.Name, util.FormatSize(te.Bytes))
				settled++
			case events.TransferFailed:
				if te.Terminal {
					fmt.Printf("\r%s  failed: %s\n", te.Name, te.Err)
					if firstErr == nil {
						firstErr = fmt.Errorf("transfer %s failed: %s", te.Name, te.Err)
					}
					settled++
				} else {
					fmt.Printf("\r%s  failed, retrying: %s\n", te.Name, te.Err)
				}
			case events.TransferCancelled:
				fmt.Printf("\r%s  cancelled\n", te.Name)
				settled++
			}
		}
	}
	return firstErr
}
