package p4

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// CmdRunner talks to a live server through the p4 command line client in
// tagged mode. One instance per process; the pending changelist created by
// CreateChange is remembered so opens land in it.
type CmdRunner struct {
	Logger *logrus.Logger
	P4Bin  string // defaults to "p4" on PATH

	pendingChange int
}

func NewCmdRunner(logger *logrus.Logger) *CmdRunner {
	return &CmdRunner{Logger: logger, P4Bin: "p4"}
}

// run executes one p4 command in -Ztag mode and returns the parsed records.
func (r *CmdRunner) run(args ...string) ([]map[string]string, error) {
	full := append([]string{"-Ztag"}, args...)
	r.Logger.Debugf("p4 %s", strings.Join(args, " "))
	cmd := exec.Command(r.P4Bin, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	records := parseTagged(stdout.Bytes())
	if runErr != nil {
		return records, &CommandError{
			Cmd:      args,
			Messages: []Message{{Severity: SevFailed, Text: strings.TrimSpace(stderr.String())}},
		}
	}
	return records, nil
}

// runInput executes a p4 command feeding a form on stdin.
func (r *CmdRunner) runInput(input string, args ...string) ([]map[string]string, error) {
	full := append([]string{"-Ztag"}, args...)
	r.Logger.Debugf("p4 %s (with form)", strings.Join(args, " "))
	cmd := exec.Command(r.P4Bin, full...)
	cmd.Stdin = strings.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	records := parseTagged(stdout.Bytes())
	if runErr != nil {
		return records, &CommandError{
			Cmd:      args,
			Messages: []Message{{Severity: SevFailed, Text: strings.TrimSpace(stderr.String())}},
		}
	}
	return records, nil
}

// parseTagged splits "... field value" output into per-record maps; a blank
// line ends a record.
func parseTagged(out []byte) []map[string]string {
	var records []map[string]string
	rec := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(rec) > 0 {
				records = append(records, rec)
				rec = map[string]string{}
			}
			continue
		}
		if !strings.HasPrefix(line, "... ") {
			continue
		}
		rest := line[4:]
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			rec[rest[:i]] = rest[i+1:]
		} else {
			rec[rest] = ""
		}
	}
	if len(rec) > 0 {
		records = append(records, rec)
	}
	return records
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (r *CmdRunner) Info() (*ServerInfo, error) {
	recs, err := r.run("info")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("p4 info returned no record")
	}
	rec := recs[0]
	return &ServerInfo{
		Version:       rec["serverVersion"],
		CaseSensitive: rec["caseHandling"] == "sensitive",
	}, nil
}

func (r *CmdRunner) Changes(pathRev string) ([]Change, error) {
	recs, err := r.run("changes", "-l", "-s", "submitted", pathRev)
	if err != nil {
		return nil, err
	}
	out := make([]Change, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Change{
			Change:      atoi(rec["change"]),
			Client:      rec["client"],
			User:        rec["user"],
			Time:        int64(atoi(rec["time"])),
			Status:      rec["status"],
			Description: rec["desc"],
		})
	}
	// p4 changes reports newest first; translation wants ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *CmdRunner) Describe(changeNum int) (*Change, []FileRev, error) {
	recs, err := r.run("describe", "-s", strconv.Itoa(changeNum))
	if err != nil || len(recs) == 0 {
		return nil, nil, err
	}
	rec := recs[0]
	chg := &Change{
		Change:      atoi(rec["change"]),
		Client:      rec["client"],
		User:        rec["user"],
		Time:        int64(atoi(rec["time"])),
		Status:      rec["status"],
		Description: rec["desc"],
	}
	var files []FileRev
	for i := 0; ; i++ {
		df, ok := rec[fmt.Sprintf("depotFile%d", i)]
		if !ok {
			break
		}
		files = append(files, FileRev{
			DepotFile: df,
			Rev:       atoi(rec[fmt.Sprintf("rev%d", i)]),
			Change:    chg.Change,
			Action:    FileAction(rec[fmt.Sprintf("action%d", i)]),
			Type:      rec[fmt.Sprintf("type%d", i)],
		})
	}
	return chg, files, nil
}

func (r *CmdRunner) Files(pathRev string) ([]FileRev, error) {
	recs, err := r.run("files", "-e", pathRev)
	if err != nil {
		if ce, ok := err.(*CommandError); ok && allBenign(ce.Messages) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]FileRev, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FileRev{
			DepotFile: rec["depotFile"],
			Rev:       atoi(rec["rev"]),
			Change:    atoi(rec["change"]),
			Action:    FileAction(rec["action"]),
			Type:      rec["type"],
			Time:      int64(atoi(rec["time"])),
		})
	}
	return out, nil
}

func (r *CmdRunner) Fstat(paths []string) ([]Fstat, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	args := append([]string{"fstat", "-Olhp"}, paths...)
	recs, err := r.run(args...)
	if err != nil {
		if ce, ok := err.(*CommandError); ok && allBenign(ce.Messages) {
			err = nil
		} else {
			return nil, err
		}
	}
	out := make([]Fstat, 0, len(recs))
	for _, rec := range recs {
		_, otherOpen := rec["otherOpen"]
		out = append(out, Fstat{
			DepotFile:  rec["depotFile"],
			ClientFile: rec["clientFile"],
			HeadAction: FileAction(rec["headAction"]),
			HeadType:   rec["headType"],
			HeadRev:    atoi(rec["headRev"]),
			HeadChange: atoi(rec["headChange"]),
			HaveRev:    atoi(rec["haveRev"]),
			OtherOpen:  otherOpen,
			Resolved:   rec["resolved"] != "",
		})
	}
	return out, nil
}

func (r *CmdRunner) Filelog(changeNum int, pathRev string) ([]IntegSource, error) {
	recs, err := r.run("filelog", "-m1", "-c", strconv.Itoa(changeNum), pathRev)
	if err != nil {
		return nil, err
	}
	var out []IntegSource
	for _, rec := range recs {
		toFile := rec["depotFile"]
		for i := 0; ; i++ {
			how, ok := rec[fmt.Sprintf("how0,%d", i)]
			if !ok {
				break
			}
			out = append(out, IntegSource{
				ToFile:   toFile,
				FromFile: rec[fmt.Sprintf("file0,%d", i)],
				StartRev: atoi(strings.TrimPrefix(rec[fmt.Sprintf("srev0,%d", i)], "#")),
				EndRev:   atoi(strings.TrimPrefix(rec[fmt.Sprintf("erev0,%d", i)], "#")),
				How:      how,
			})
		}
	}
	return out, nil
}

// printHeaderRE matches the banner line 'p4 print' writes before each
// revision's content.
var printHeaderRE = regexp.MustCompile(`^(//[^#]+)#(\d+) - (\S+) change (\d+) \((\S+)\)`)

// Print streams every revision in the range through one print request. The
// exact content sizes come from a 'p4 sizes -a' prepass so the stream splits
// unambiguously even when file content looks like a banner line.
func (r *CmdRunner) Print(pathRev string, handler func(PrintedRev) error) error {
	sizes, err := r.revSizes(pathRev)
	if err != nil {
		return err
	}
	r.Logger.Debugf("p4 print %s", pathRev)
	cmd := exec.Command(r.P4Bin, "print", pathRev)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	br := bufio.NewReaderSize(stdout, 1024*1024)
	for {
		line, err := br.ReadString('\n')
		if line == "" && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			cmd.Wait()
			return err
		}
		m := printHeaderRE.FindStringSubmatch(strings.TrimRight(line, "\n"))
		if m == nil {
			continue
		}
		fr := FileRev{
			DepotFile: m[1],
			Rev:       atoi(m[2]),
			Action:    FileAction(m[3]),
			Change:    atoi(m[4]),
			Type:      m[5],
		}
		if fr.Action.IsDelete() {
			continue
		}
		size, ok := sizes[fmt.Sprintf("%s#%d", fr.DepotFile, fr.Rev)]
		if !ok {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(br, data); err != nil {
			cmd.Wait()
			return fmt.Errorf("p4 print %s#%d: %w", fr.DepotFile, fr.Rev, err)
		}
		if err := handler(PrintedRev{FileRev: fr, Data: data}); err != nil {
			cmd.Wait()
			return err
		}
	}
	return cmd.Wait()
}

// revSizes maps every depotFile#rev in the range to its stored size.
func (r *CmdRunner) revSizes(pathRev string) (map[string]int, error) {
	recs, err := r.run("sizes", "-a", pathRev)
	if err != nil {
		return nil, err
	}
	sizes := make(map[string]int, len(recs))
	for _, rec := range recs {
		sizes[fmt.Sprintf("%s#%s", rec["depotFile"], rec["rev"])] = atoi(rec["fileSize"])
	}
	return sizes, nil
}

func (r *CmdRunner) IntegPreview(fromPathRev, toPath string, flags []string) ([]Fstat, error) {
	args := append([]string{"integ", "-n"}, flags...)
	args = append(args, fromPathRev, toPath)
	recs, err := r.run(args...)
	if err != nil {
		return nil, err
	}
	return fstatsOf(recs), nil
}

func (r *CmdRunner) Integ(fromPathRev, toPath string, flags []string) ([]Fstat, []Message, error) {
	args := []string{"integ"}
	args = append(args, r.changeArgs()...)
	args = append(args, flags...)
	args = append(args, fromPathRev, toPath)
	recs, err := r.run(args...)
	if err != nil {
		if ce, ok := err.(*CommandError); ok {
			return fstatsOf(recs), ce.Messages, err
		}
		return nil, nil, err
	}
	return fstatsOf(recs), nil, nil
}

func (r *CmdRunner) Resolve(flags []string) ([]Message, error) {
	args := append([]string{"resolve"}, flags...)
	_, err := r.run(args...)
	if err != nil {
		if ce, ok := err.(*CommandError); ok && allBenign(ce.Messages) {
			return ce.Messages, nil
		}
		return nil, err
	}
	return nil, nil
}

func (r *CmdRunner) CreateChange(description string) (int, error) {
	form := fmt.Sprintf("Change: new\n\nDescription:\n%s\n", indentForm(description))
	recs, err := r.runInput(form, "change", "-i")
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if c := rec["change"]; c != "" {
			r.pendingChange = atoi(c)
			return r.pendingChange, nil
		}
	}
	return 0, fmt.Errorf("p4 change -i returned no changelist number")
}

func (r *CmdRunner) changeArgs() []string {
	if r.pendingChange == 0 {
		return nil
	}
	return []string{"-c", strconv.Itoa(r.pendingChange)}
}

func (r *CmdRunner) Open(request FileAction, fileType string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	var verb string
	switch request {
	case ActionAdd:
		verb = "add"
	case ActionEdit:
		verb = "edit"
	case ActionDelete:
		verb = "delete"
	default:
		return fmt.Errorf("cannot open for %q", request)
	}
	args := []string{verb}
	args = append(args, r.changeArgs()...)
	if fileType != "" && verb != "delete" {
		args = append(args, "-t", fileType)
	}
	if verb == "add" {
		args = append(args, "-f") // keep wildcard characters literal
	}
	args = append(args, paths...)
	_, err := r.run(args...)
	return err
}

func (r *CmdRunner) Reopen(fileType string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := []string{"reopen", "-t", fileType}
	args = append(args, paths...)
	_, err := r.run(args...)
	return err
}

func (r *CmdRunner) Move(fromPath, toPath string) error {
	args := []string{"move"}
	args = append(args, r.changeArgs()...)
	args = append(args, fromPath, toPath)
	_, err := r.run(args...)
	return err
}

func (r *CmdRunner) Copy(fromPathRev, toPath string) error {
	args := []string{"copy"}
	args = append(args, r.changeArgs()...)
	args = append(args, fromPathRev, toPath)
	_, err := r.run(args...)
	return err
}

func (r *CmdRunner) Sync(pathRevs []string) error {
	if len(pathRevs) == 0 {
		return nil
	}
	args := append([]string{"sync", "-k"}, pathRevs...)
	_, err := r.run(args...)
	if ce, ok := err.(*CommandError); ok && allBenign(ce.Messages) {
		return nil
	}
	return err
}

func (r *CmdRunner) Opened() ([]Fstat, error) {
	args := []string{"opened"}
	args = append(args, r.changeArgs()...)
	recs, err := r.run(args...)
	if err != nil {
		if ce, ok := err.(*CommandError); ok && allBenign(ce.Messages) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Fstat, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Fstat{
			DepotFile:  rec["depotFile"],
			ClientFile: rec["clientFile"],
			HeadAction: FileAction(rec["action"]),
			HeadType:   rec["type"],
			HeadRev:    atoi(rec["rev"]),
			HeadChange: atoi(rec["change"]),
		})
	}
	return out, nil
}

func (r *CmdRunner) Revert(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := []string{"revert"}
	args = append(args, r.changeArgs()...)
	args = append(args, paths...)
	_, err := r.run(args...)
	if ce, ok := err.(*CommandError); ok && allBenign(ce.Messages) {
		return nil
	}
	return err
}

func (r *CmdRunner) Submit(changeNum int) (int, error) {
	recs, err := r.run("submit", "-c", strconv.Itoa(changeNum))
	if err != nil {
		if ce, ok := err.(*CommandError); ok {
			return 0, ce
		}
		return 0, err
	}
	r.pendingChange = 0
	for _, rec := range recs {
		if c := rec["submittedChange"]; c != "" {
			return atoi(c), nil
		}
	}
	return changeNum, nil
}

func (r *CmdRunner) ChangeOwner(changeNum int, user string, description string) error {
	chg, _, err := r.Describe(changeNum)
	if err != nil {
		return err
	}
	if description == "" {
		description = chg.Description
	}
	form := fmt.Sprintf("Change: %d\nClient: %s\nUser: %s\nStatus: submitted\nDescription:\n%s\n",
		changeNum, chg.Client, user, indentForm(description))
	_, err = r.runInput(form, "change", "-f", "-i")
	return err
}

func (r *CmdRunner) Key(name string) (string, error) {
	recs, err := r.run("key", name)
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		v := rec["value"]
		if v == "0" {
			// Unset keys read as "0".
			return "", nil
		}
		return v, nil
	}
	return "", nil
}

func (r *CmdRunner) SetKey(name, value string) error {
	_, err := r.run("key", name, value)
	return err
}

func fstatsOf(recs []map[string]string) []Fstat {
	out := make([]Fstat, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Fstat{
			DepotFile:  rec["depotFile"],
			ClientFile: rec["clientFile"],
			HeadAction: FileAction(rec["action"]),
			HeadRev:    atoi(rec["rev"]),
		})
	}
	return out
}

func allBenign(msgs []Message) bool {
	if len(msgs) == 0 {
		return false
	}
	for _, m := range msgs {
		if !IsBenignLockMessage(m) && !strings.Contains(m.Text, "no such file") &&
			!strings.Contains(m.Text, "file(s) not opened") &&
			!strings.Contains(m.Text, "file(s) up-to-date") {
			return false
		}
	}
	return true
}

func indentForm(description string) string {
	lines := strings.Split(description, "\n")
	for i, l := range lines {
		lines[i] = "\t" + l
	}
	return strings.Join(lines, "\n")
}

// JournalImporter replays journal files through p4d, the admin half of a
// fast push. ServerRoot must be the live server's P4ROOT and the server
// must be quiesced during replay.
type JournalImporter struct {
	Logger     *logrus.Logger
	P4DBin     string
	ServerRoot string
	counter    func() (int, error)
}

func NewJournalImporter(logger *logrus.Logger) *JournalImporter {
	ji := &JournalImporter{Logger: logger, P4DBin: "p4d", ServerRoot: os.Getenv("P4ROOT")}
	return ji
}

// ReplayJournal imports one journal file, returning the first changelist
// number it created.
func (ji *JournalImporter) ReplayJournal(path string) (int, error) {
	before, err := ji.highestChange()
	if err != nil {
		return 0, err
	}
	cmd := exec.Command(ji.P4DBin, "-r", ji.ServerRoot, "-jr", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	ji.Logger.Infof("Replaying journal %s", path)
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("p4d -jr %s: %v: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return before + 1, nil
}

func (ji *JournalImporter) highestChange() (int, error) {
	if ji.counter != nil {
		return ji.counter()
	}
	cmd := exec.Command("p4", "counter", "change")
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	return atoi(strings.TrimSpace(string(out))), nil
}
