// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"

	"redp2p.io/redp2p/coordinator"
	"redp2p.io/redp2p/coordinator/coordinatordb"
)

var (
	rootCmd = &cobra.Command{
		Use:   "coordinator",
		Short: "RedP2P coordinator server",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator server",
		RunE:  cmdRun,
	}
	confDir string

	runCfg   coordinator.Config
	setupCfg coordinator.Config
)

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("coordinator configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := coordinatordb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error opening coordinator database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("error migrating coordinator database: %+v", err)
	}
	if err := db.Preflight(ctx); err != nil {
		return errs.New("error during database preflight: %+v", err)
	}

	peer, err := coordinator.New(ctx, log, db, runCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func init() {
	defaultConfDir := fpath.ApplicationDir("redp2p", "coordinator")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for coordinator configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func main() {
	logger, _, _ := process.NewLogger("coordinator")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
