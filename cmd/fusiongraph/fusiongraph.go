package main

// fusiongraph program
// Processes a git fast-export file and writes a graphviz dot file showing
// the branch/commit structure the translator would build, ghosts and all.
// Useful when diagnosing a push whose branch assignment went wrong.

import (
	"fmt"
	"os"
	"time"

	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/gitfusion/gitexport"
	"github.com/rcowham/gitfusion/graph"
)

func buildGraph(logger *logrus.Logger, exportFile string, maxCommits int) (*graph.Index, error) {
	parser := gitexport.NewParser(logger)
	commits, err := parser.Parse(exportFile)
	if err != nil {
		return nil, err
	}
	idx := graph.NewIndex()
	count := 0
	for commit := range commits {
		idx.AddCommit(graph.Node{
			Ref:      commit.Sha1,
			Parents:  commit.ParentRefs(),
			BranchID: commit.Branch,
		})
		for _, fc := range commit.Files {
			parser.ReleaseBlob(fc.DataRef)
		}
		count++
		if maxCommits > 0 && count >= maxCommits {
			break
		}
	}
	logger.Infof("Graphed %d commits across %d branches", count, len(idx.Branches()))
	return idx, nil
}

func main() {
	var (
		gitexportFile = kingpin.Arg(
			"gitexport",
			"Git fast-export file to process.",
		).Required().String()
		output = kingpin.Flag(
			"output",
			"Graphviz dot file to write.",
		).Short('o').Required().String()
		maxCommits = kingpin.Flag(
			"max.commits",
			"Max no of commits to process (default 0 means all).",
		).Default("0").Short('m').Int()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Default("0").Int()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("fusiongraph")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Parses a git fast-export file into a graphviz DOT file of its branch structure\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}
	startTime := time.Now()
	logger.Infof("%v", version.Print("fusiongraph"))
	logger.Infof("Starting %s, gitexport: %v", startTime, *gitexportFile)

	idx, err := buildGraph(logger, *gitexportFile, *maxCommits)
	if err != nil {
		logger.Fatalf("Parse: %v", err)
	}
	f, err := os.Create(*output)
	if err != nil {
		logger.Fatalf("Create: %v", err)
	}
	defer f.Close()
	fmt.Fprint(f, idx.Dot())
	logger.Infof("Wrote %s in %s", *output, time.Since(startTime))
}
