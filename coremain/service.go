package coremain

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/offstack/datastash/mlog"
)

var svcCfg = &service.Config{
	Name:        "datastash",
	DisplayName: "datastash",
	Description: "An offline-first dataset caching service.",
}

var svc service.Service

type serverService struct {
	f *serverFlags
}

func (ss *serverService) Start(s service.Service) error {
	go func() {
		if err := StartServer(ss.f); err != nil {
			mlog.S().Fatal(err)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	return nil
}

func initService(cmd *cobra.Command, args []string) error {
	s, err := service.New(&serverService{f: new(serverFlags)}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	var (
		configFile string
		workingDir string
	)
	c := &cobra.Command{
		Use:   "install [-c config_file] [-d working_dir]",
		Short: "Install datastash as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcCfg.Arguments = []string{"start", "--as-service"}
			if len(configFile) > 0 {
				p, err := filepath.Abs(configFile)
				if err != nil {
					return fmt.Errorf("invalid config path, %w", err)
				}
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", p)
			}
			if len(workingDir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get working dir, %w", err)
				}
				workingDir = wd
			}
			svcCfg.Arguments = append(svcCfg.Arguments, "-d", workingDir)
			return svc.Install()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&configFile, "config", "c", "", "config file")
	c.Flags().StringVarP(&workingDir, "dir", "d", "", "working dir")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "uninstall",
		Short:        "Uninstall the datastash service.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "start",
		Short:        "Start the datastash service.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start()
		},
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "stop",
		Short:        "Stop the datastash service.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "restart",
		Short:        "Restart the datastash service.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show the datastash service status.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := svc.Status()
			if err != nil {
				return err
			}
			switch st {
			case service.StatusRunning:
				fmt.Println("running")
			case service.StatusStopped:
				fmt.Println("stopped")
			default:
				fmt.Println("unknown")
			}
			return nil
		},
	}
}
