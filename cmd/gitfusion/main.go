package main

// gitfusion program
// Bidirectional history translation between a Git repo and a Perforce
// server:
//   * copy-to-git   - translate submitted changelists into a fast-import stream
//   * copy-to-p4    - translate pushed commits into changelists
//   * fast-push     - bulk-import an initial history via journal replay
//   * finish-push   - post-receive half of a fast push

import (
	"fmt"
	"os"
	"time"

	"github.com/perforce/p4prometheus/version"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/gitfusion/branch"
	"github.com/rcowham/gitfusion/config"
	"github.com/rcowham/gitfusion/fastpush"
	"github.com/rcowham/gitfusion/g2p"
	"github.com/rcowham/gitfusion/objecttype"
	"github.com/rcowham/gitfusion/p2g"
	"github.com/rcowham/gitfusion/p4"
	"github.com/rcowham/gitfusion/preflight"
)

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Repo config file (yaml).",
		).Short('c').String()
		repoName = kingpin.Flag(
			"repo",
			"Repo name, used for server keys and counters.",
		).Required().String()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Default("0").Int()
		profileMode = kingpin.Flag(
			"profile",
			"Write a CPU profile for this run.",
		).Bool()

		copyToGit = kingpin.Command("copy-to-git", "Translate new changelists into a git fast-import stream on stdout.")
		startAt   = copyToGit.Flag("start", "First changelist (0 resumes from the last copied counter).").Default("0").Int()
		stopAt    = copyToGit.Flag("stop", "Last changelist (0 means head).").Default("0").Int()
		replica   = copyToGit.Flag("replica", "Serve from cached state only, never writing new index entries.").Bool()

		copyToP4   = kingpin.Command("copy-to-p4", "Translate a git fast-export stream into changelists.")
		exportFile = copyToP4.Arg("gitexport", "Git fast-export file to process.").Required().String()
		clientRoot = copyToP4.Flag("client.root", "Perforce client workspace directory.").Required().String()
		pusher     = copyToP4.Flag("pusher", "Authenticated Perforce user performing the push.").Required().String()

		fastPush     = kingpin.Command("fast-push", "Bulk-import a git fast-export stream as journal records.")
		fpExportFile = fastPush.Arg("gitexport", "Git fast-export file to process.").Required().String()
		fpWorkDir    = fastPush.Flag("work.dir", "Directory for journal chunks and push state.").Required().String()
		fpArchive    = fastPush.Flag("archive.root", "Depot filesystem root for archive files.").Required().String()
		fpPusher     = fastPush.Flag("pusher", "Authenticated Perforce user performing the push.").Required().String()
		fpFirstMark  = fastPush.Flag("first.mark", "First provisional changelist number to hand out.").Default("1").Int()

		finishPush = kingpin.Command("finish-push", "Replay fast-push journal chunks and renumber.")
		finWorkDir = finishPush.Flag("work.dir", "Directory holding the push state from fast-push.").Required().String()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("gitfusion")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Translates history between git and a Perforce Helix Core server\n"
	kingpin.HelpFlag.Short('h')
	cmd := kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}
	if *profileMode {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}
	startTime := time.Now()
	logger.Infof("%v", version.Print("gitfusion"))
	logger.Infof("Starting %s, repo: %v", startTime, *repoName)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Fatalf("Config: %v", err)
	}
	runner := p4.NewCmdRunner(logger)
	branches := branch.NewRegistry()
	history := objecttype.NewPersistedIndex(runner, *repoName)

	switch cmd {
	case "copy-to-git":
		engine := p2g.NewEngine(logger, runner, cfg, branches, history, *repoName, os.Stdout)
		engine.Replica = *replica
		start := *startAt
		if start == 0 {
			if start, err = engine.LastCopied(); err != nil {
				logger.Fatalf("Last copied counter: %v", err)
			}
		}
		if err := engine.Copy(start, *stopAt); err != nil {
			logger.Fatalf("Copy to git: %v", err)
		}
		logger.Infof("Copied %d changelists in %s", engine.ChangesCopied, time.Since(startTime))

	case "copy-to-p4":
		engine := g2p.NewEngine(logger, runner, cfg, branches, history, *clientRoot)
		engine.Pusher = *pusher
		if err := engine.Copy(*exportFile); err != nil {
			engine.Cleanup()
			logger.Fatalf("Copy to p4: %v", err)
		}
		logger.Infof("Copied %d changelists in %s", engine.ChangesCopied, time.Since(startTime))

	case "fast-push":
		if err := fastpush.CheckPreconditions(runner, cfg, branches); err != nil {
			logger.Fatalf("Fast push: %v", err)
		}
		pre := fastpush.NewPreReceive(logger, cfg, branches, *repoName, *fpWorkDir, *fpArchive, *fpFirstMark)
		pre.Pusher = *fpPusher
		pre.Checker = &preflight.Checker{Logger: logger, Runner: runner, Cfg: cfg, Branches: branches}
		snap, err := pre.Run(*fpExportFile)
		if err != nil {
			logger.Fatalf("Fast push: %v", err)
		}
		logger.Infof("Prepared %d changelists, %d revs in %s",
			snap.LastGFMark-snap.FirstGFMark+1, snap.RevCount, time.Since(startTime))

	case "finish-push":
		snap, err := fastpush.LoadSnapshot(fmt.Sprintf("%s/fastpush-state.yaml", *finWorkDir))
		if err != nil {
			logger.Fatalf("Finish push: %v", err)
		}
		post := &fastpush.PostReceive{
			Logger:   logger,
			Runner:   runner,
			Importer: p4.NewJournalImporter(logger),
			History:  history,
		}
		if _, err := post.Run(snap); err != nil {
			logger.Fatalf("Finish push: %v", err)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Unmarshal(nil)
	}
	return config.LoadConfigFile(path)
}
