package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/graphstage/internal/data/db"
	"github.com/yungbote/graphstage/internal/data/graph"
	"github.com/yungbote/graphstage/internal/data/ledger"
	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/manifest"
	"github.com/yungbote/graphstage/internal/mapping"
	"github.com/yungbote/graphstage/internal/source"
	"github.com/yungbote/graphstage/internal/validation"
)

func baseFiles() map[string]string {
	return map[string]string{
		"words.csv": "wordid,lemma\n1,dog\n2,cat\n3,canine\n",
		"synsets.csv": "synsetid,pos,definition\n" +
			"100,n,a domesticated carnivore\n" +
			"101,n,feline mammal\n" +
			"102,n,\\N\n" +
			"103,n,any canine\n",
		"semlinks.csv": "synset1id,synset2id,linkid\n" +
			"100,103,1\n" +
			"103,100,2\n" +
			"101,103,3\n" +
			"100,101,3\n" +
			"102,103,1\n",
		"senses.csv": "wordid,synsetid,tagcount\n1,100,12\n2,101,\\N\n3,103,4\n",
	}
}

func wordnetMapping() *mapping.Mapping {
	return &mapping.Mapping{
		SchemaVersion: "3.0",
		SourceSystem:  "wordnet",
		Nodes: []mapping.NodeRule{
			{Label: "Word", SourceFile: "words.csv", KeyColumn: "wordid", KeyType: mapping.TypeInt,
				Properties: []mapping.Property{{Column: "lemma"}}},
			{Label: "Synset", SourceFile: "synsets.csv", KeyColumn: "synsetid", KeyType: mapping.TypeInt,
				Properties: []mapping.Property{{Column: "pos"}, {Column: "definition"}}},
		},
		Relationships: []mapping.RelRule{
			{Type: "SEMLINK", SourceFile: "semlinks.csv",
				FromLabel: "Synset", FromKeyColumn: "synset1id", ToLabel: "Synset", ToKeyColumn: "synset2id",
				KeyProperties: []mapping.Property{{Column: "linkid", Type: mapping.TypeInt}}},
			{Type: "SENSE", SourceFile: "senses.csv",
				FromLabel: "Word", FromKeyColumn: "wordid", ToLabel: "Synset", ToKeyColumn: "synsetid",
				Properties: []mapping.Property{{Column: "tagcount", Type: mapping.TypeInt}}},
		},
		Derived: []mapping.DerivedRule{
			{FromGenericType: "SEMLINK", DiscriminatorProperty: "linkid", DiscriminatorValue: float64(1), PromotedType: "HYPERNYM"},
			{FromGenericType: "SEMLINK", DiscriminatorProperty: "linkid", DiscriminatorValue: float64(2), PromotedType: "HYPONYM"},
		},
	}
}

func fixture(t *testing.T, files map[string]string) (*source.Dir, *manifest.Manifest) {
	t.Helper()
	dir := t.TempDir()
	man := &manifest.Manifest{DatasetID: "wordnet", SchemaVersion: "3.0"}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(files[name]), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		sum, rows, err := manifest.Inspect(strings.NewReader(files[name]))
		if err != nil {
			t.Fatalf("inspect %s: %v", name, err)
		}
		man.Files = append(man.Files, manifest.File{Name: name, SHA256: sum, RowCount: rows})
	}
	return &source.Dir{Root: dir}, man
}

func testParams(batch string) Params {
	return Params{
		BatchSize:       2,
		VerifyChecksums: true,
		VerifyRowCounts: true,
		IngestBatchID:   batch,
		MaxAttempts:     3,
		MinBackoff:      time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		ChunkTimeout:    5 * time.Second,
	}
}

func mustRun(t *testing.T, l *Loader, m *mapping.Mapping, man *manifest.Manifest, p Params) *Report {
	t.Helper()
	rep, err := l.Run(context.Background(), m, man, p)
	if err != nil {
		t.Fatalf("Run(%s): %v", p.IngestBatchID, err)
	}
	return rep
}

func TestRunLoadsAndRerunIsIdempotent(t *testing.T) {
	src, man := fixture(t, baseFiles())
	store := graph.NewMemoryStore()
	l := New(store, src, nil, Options{})
	ctx := context.Background()

	first := mustRun(t, l, wordnetMapping(), man, testParams("idem-1"))
	if first.Status != ingest.BatchComplete || first.ExitCode() != 0 {
		t.Fatalf("first run: status=%s err=%s", first.Status, first.Error)
	}
	if first.RowsAttempted != 15 || first.RowsLoaded != 15 || first.RowsRejected != 0 {
		t.Fatalf("first run rows: %d/%d/%d", first.RowsAttempted, first.RowsLoaded, first.RowsRejected)
	}

	counts := func() map[string]int64 {
		out := map[string]int64{}
		for _, label := range []string{"Word", "Synset"} {
			n, _ := store.CountNodes(ctx, label)
			out[label] = n
		}
		for _, typ := range []string{"SEMLINK", "SENSE", "HYPERNYM", "HYPONYM"} {
			n, _ := store.CountEdges(ctx, typ)
			out[typ] = n
		}
		return out
	}
	before := counts()
	want := map[string]int64{"Word": 3, "Synset": 4, "SEMLINK": 5, "SENSE": 3, "HYPERNYM": 2, "HYPONYM": 1}
	for k, v := range want {
		if before[k] != v {
			t.Fatalf("%s after first run: want=%d got=%d", k, v, before[k])
		}
	}

	second := mustRun(t, l, wordnetMapping(), man, testParams("idem-2"))
	if second.Status != ingest.BatchComplete {
		t.Fatalf("second run: status=%s err=%s", second.Status, second.Error)
	}
	after := counts()
	for k, v := range before {
		if after[k] != v {
			t.Fatalf("%s changed on re-run: before=%d after=%d", k, v, after[k])
		}
	}

	word, ok := store.Node("Word", int64(1))
	if !ok || word["lemma"] != "dog" || word["ingest_batch"] != "idem-2" || word["source_system"] != "wordnet" {
		t.Fatalf("restamped word: %v", word)
	}
	for _, e := range store.Edges("HYPERNYM") {
		if e.Props["ingest_batch"] != "idem-2" || e.Props["derived_from"] != "SEMLINK" {
			t.Fatalf("promoted edge stamps: %v", e.Props)
		}
	}
}

func TestNodesCommitBeforeRelationshipsBeforePromotion(t *testing.T) {
	src, man := fixture(t, baseFiles())
	store := graph.NewMemoryStore()
	p := testParams("order-1")
	p.BatchSize = 1
	rep := mustRun(t, New(store, src, nil, Options{}), wordnetMapping(), man, p)
	if rep.Status != ingest.BatchComplete {
		t.Fatalf("status=%s err=%s", rep.Status, rep.Error)
	}

	commits := store.Commits()
	lastNode, firstRel, lastSemlink, firstPromote := -1, len(commits), -1, len(commits)
	for i, c := range commits {
		switch {
		case strings.HasPrefix(c, "nodes:"):
			lastNode = i
		case strings.HasPrefix(c, "relationships:"):
			firstRel = min(firstRel, i)
			if c == "relationships:SEMLINK" {
				lastSemlink = i
			}
		case strings.HasPrefix(c, "promote:"):
			firstPromote = min(firstPromote, i)
		}
	}
	if lastNode < 0 || lastNode > firstRel {
		t.Fatalf("node commit after relationship commit: %v", commits)
	}
	if lastSemlink < 0 || lastSemlink > firstPromote {
		t.Fatalf("promotion before generic type finished: %v", commits)
	}
	if got := rep.File("relationships.SEMLINK").CommittedChunks; len(got) != 5 || got[0] != 0 || got[4] != 4 {
		t.Fatalf("semlink chunks: %v", got)
	}
}

func TestNullSentinelIsAbsentAndNeverClearsStoredValue(t *testing.T) {
	files := baseFiles()
	files["synsets.csv"] = strings.Replace(files["synsets.csv"], "102,n,\\N", "102,n,a wolf-like canid", 1)
	src, man := fixture(t, files)
	store := graph.NewMemoryStore()
	mustRun(t, New(store, src, nil, Options{}), wordnetMapping(), man, testParams("null-1"))

	src2, man2 := fixture(t, baseFiles())
	rep := mustRun(t, New(store, src2, nil, Options{}), wordnetMapping(), man2, testParams("null-2"))
	if rep.Status != ingest.BatchComplete || rep.RowsRejected != 0 {
		t.Fatalf("status=%s rejected=%d", rep.Status, rep.RowsRejected)
	}
	syn, _ := store.Node("Synset", int64(102))
	if syn["definition"] != "a wolf-like canid" || syn["ingest_batch"] != "null-2" {
		t.Fatalf("absent value must preserve stored property: %v", syn)
	}

	fresh := graph.NewMemoryStore()
	mustRun(t, New(fresh, src2, nil, Options{}), wordnetMapping(), man2, testParams("null-3"))
	syn, _ = fresh.Node("Synset", int64(102))
	if _, ok := syn["definition"]; ok {
		t.Fatalf("sentinel must not be stored: %v", syn)
	}
	for _, e := range fresh.Edges("SENSE") {
		if e.From == graph.NodeRef("Word", int64(2)) {
			if _, ok := e.Props["tagcount"]; ok {
				t.Fatalf("sentinel tagcount stored: %v", e.Props)
			}
		}
	}
}

func badKeyFiles() map[string]string {
	files := baseFiles()
	files["semlinks.csv"] += "101,,1\n"
	return files
}

func TestStrictMissingKeyAbortsBeforeAnyCommit(t *testing.T) {
	src, man := fixture(t, badKeyFiles())
	store := graph.NewMemoryStore()
	p := testParams("strict-1")
	p.StrictMissingKey = true
	p.AutoConsentDropInvalid = true

	rep, err := New(store, src, nil, Options{}).Run(context.Background(), wordnetMapping(), man, p)
	if !errors.Is(err, ingest.ErrIntegrity) {
		t.Fatalf("want integrity error, got %v", err)
	}
	var ierr *ingest.IntegrityError
	if !errors.As(err, &ierr) || ierr.Failures[0].Kind != ingest.KeyRejections || ierr.Failures[0].File != "semlinks.csv" {
		t.Fatalf("failures: %+v", ierr)
	}
	if rep.Status != ingest.BatchFatal || rep.ExitCode() != 1 {
		t.Fatalf("status=%s", rep.Status)
	}
	if len(store.Commits()) != 0 {
		t.Fatalf("fatal preflight must not commit: %v", store.Commits())
	}
	if len(rep.Rejections) != 1 {
		t.Fatalf("rejections: %+v", rep.Rejections)
	}
	rej := rep.Rejections[0]
	if rej.Line != 7 || rej.Column != "synset2id" || rej.Reason != ingest.ReasonMissingKey {
		t.Fatalf("rejection: %+v", rej)
	}
}

func TestLenientModeNeedsConsent(t *testing.T) {
	src, man := fixture(t, badKeyFiles())

	store := graph.NewMemoryStore()
	_, err := New(store, src, nil, Options{}).Run(context.Background(), wordnetMapping(), man, testParams("consent-1"))
	if !errors.Is(err, ingest.ErrIntegrity) || len(store.Commits()) != 0 {
		t.Fatalf("without consent: err=%v commits=%v", err, store.Commits())
	}

	p := testParams("consent-2")
	p.AutoConsentDropInvalid = true
	rep := mustRun(t, New(store, src, nil, Options{}), wordnetMapping(), man, p)
	if rep.Status != ingest.BatchComplete {
		t.Fatalf("status=%s err=%s", rep.Status, rep.Error)
	}
	fr := rep.File("relationships.SEMLINK")
	if fr.RowsAttempted != 6 || fr.RowsLoaded != 5 || fr.RowsRejected != 1 {
		t.Fatalf("semlink counts: %+v", fr)
	}
	if n, _ := store.CountEdges(context.Background(), "SEMLINK"); n != 5 {
		t.Fatalf("semlink edges: %d", n)
	}
}

func TestMalformedKeyIsRejected(t *testing.T) {
	files := baseFiles()
	files["words.csv"] += "four,wolf\n"
	src, man := fixture(t, files)
	p := testParams("malformed-1")
	p.StrictMissingKey = true
	_, err := New(graph.NewMemoryStore(), src, nil, Options{}).Run(context.Background(), wordnetMapping(), man, p)
	if !errors.Is(err, ingest.ErrIntegrity) {
		t.Fatalf("node rejections need consent even in strict mode, got %v", err)
	}

	p.IngestBatchID = "malformed-2"
	p.AutoConsentDropInvalid = true
	rep := mustRun(t, New(graph.NewMemoryStore(), src, nil, Options{}), wordnetMapping(), man, p)
	if len(rep.Rejections) != 1 || rep.Rejections[0].Reason != ingest.ReasonMalformedType || rep.Rejections[0].Value != "four" {
		t.Fatalf("rejections: %+v", rep.Rejections)
	}
}

func TestDerivedPromotion(t *testing.T) {
	src, man := fixture(t, baseFiles())
	store := graph.NewMemoryStore()
	rep := mustRun(t, New(store, src, nil, Options{}), wordnetMapping(), man, testParams("promote-1"))

	if d := rep.DerivedRule("derived.HYPERNYM"); d == nil || d.State != StateDone || d.Promoted != 2 {
		t.Fatalf("hypernym report: %+v", d)
	}
	if d := rep.DerivedRule("derived.HYPONYM"); d == nil || d.Promoted != 1 {
		t.Fatalf("hyponym report: %+v", d)
	}

	pairs := map[string]bool{}
	for _, e := range store.Edges("HYPERNYM") {
		pairs[e.From+">"+e.To] = true
	}
	wantPairs := []string{
		graph.NodeRef("Synset", int64(100)) + ">" + graph.NodeRef("Synset", int64(103)),
		graph.NodeRef("Synset", int64(102)) + ">" + graph.NodeRef("Synset", int64(103)),
	}
	if len(pairs) != 2 || !pairs[wantPairs[0]] || !pairs[wantPairs[1]] {
		t.Fatalf("hypernym pairs: %v", pairs)
	}
	if n, _ := store.CountEdges(context.Background(), "SEMLINK"); n != 5 {
		t.Fatalf("generic edges must remain, got %d", n)
	}
}

func TestAssertionsAreReportedWithoutChangingStatus(t *testing.T) {
	src, man := fixture(t, baseFiles())
	store := graph.NewMemoryStore()
	m := wordnetMapping()
	m.Validations = []mapping.Assertion{
		{Kind: mapping.NodeCountMin, Target: "Word", Parameters: map[string]any{"min": 3}},
		{Kind: mapping.EdgeExists, Target: "HYPERNYM"},
		{Name: "too many words", Kind: mapping.NodeCountMin, Target: "Word", Parameters: map[string]any{"min": 10}},
	}
	l := New(store, src, nil, Options{Validator: validation.New(store, nil, nil)})
	rep := mustRun(t, l, m, man, testParams("assert-1"))

	if rep.Status != ingest.BatchComplete || rep.ExitCode() != 0 {
		t.Fatalf("status=%s", rep.Status)
	}
	if len(rep.Assertions) != 3 {
		t.Fatalf("assertions: %+v", rep.Assertions)
	}
	failed := rep.FailedAssertions()
	if len(failed) != 1 || failed[0].Name != "too many words" {
		t.Fatalf("failed assertions: %+v", failed)
	}
}

func TestTransactionFailureReportsCommittedChunks(t *testing.T) {
	src, man := fixture(t, baseFiles())
	store := graph.NewMemoryStore()
	semlinkCommits := 0
	store.BeforeCommit = func(op string) error {
		if op != "relationships:SEMLINK" {
			return nil
		}
		if semlinkCommits == 2 {
			return errors.New("store unavailable")
		}
		semlinkCommits++
		return nil
	}
	p := testParams("partial-1")
	p.BatchSize = 1

	rep, err := New(store, src, nil, Options{}).Run(context.Background(), wordnetMapping(), man, p)
	if err != nil {
		t.Fatalf("partial run must not return an error: %v", err)
	}
	if rep.Status != ingest.BatchPartial || rep.ExitCode() != 2 {
		t.Fatalf("status=%s", rep.Status)
	}
	for _, rule := range []string{"nodes.Word", "nodes.Synset", "relationships.SENSE"} {
		if fr := rep.File(rule); fr.State != StateDone {
			t.Fatalf("%s: %+v", rule, fr)
		}
	}
	fr := rep.File("relationships.SEMLINK")
	if fr.State != StateFailed || len(fr.CommittedChunks) != 2 || fr.CommittedChunks[1] != 1 {
		t.Fatalf("semlink report: %+v", fr)
	}
	if !strings.Contains(fr.Error, "chunk=2") || !strings.Contains(fr.Error, "attempts=3") || fr.Retries != 2 {
		t.Fatalf("semlink error: %q retries=%d", fr.Error, fr.Retries)
	}
	if n, _ := store.CountEdges(context.Background(), "SEMLINK"); n != 2 {
		t.Fatalf("exactly two chunks should be committed, got %d edges", n)
	}
	for _, d := range rep.Derived {
		if d.State != StateFailed || !strings.Contains(d.Error, "relationships.SEMLINK") {
			t.Fatalf("dependent derived rule: %+v", d)
		}
	}
	for _, c := range store.Commits() {
		if strings.HasPrefix(c, "promote:") {
			t.Fatalf("promotion ran after its generic type failed: %v", store.Commits())
		}
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	src, man := fixture(t, baseFiles())
	store := graph.NewMemoryStore()
	failed := false
	store.BeforeCommit = func(op string) error {
		if op == "nodes:Synset" && !failed {
			failed = true
			return errors.New("deadlock detected")
		}
		return nil
	}
	rep := mustRun(t, New(store, src, nil, Options{}), wordnetMapping(), man, testParams("retry-1"))
	if rep.Status != ingest.BatchComplete {
		t.Fatalf("status=%s err=%s", rep.Status, rep.Error)
	}
	if fr := rep.File("nodes.Synset"); fr.Retries != 1 || fr.RowsLoaded != 4 {
		t.Fatalf("synset report: %+v", fr)
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	src, man := fixture(t, baseFiles())
	key := (&ingest.BatchRecord{DatasetID: "wordnet", SchemaVersion: "3.0", IngestBatchID: "collide-1"}).RunKey()
	release, err := processGuard.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	store := graph.NewMemoryStore()
	rep, err := New(store, src, nil, Options{}).Run(context.Background(), wordnetMapping(), man, testParams("collide-1"))
	if !errors.Is(err, ingest.ErrRunCollision) || rep.Status != ingest.BatchFatal {
		t.Fatalf("want collision, got err=%v status=%s", err, rep.Status)
	}
	if len(store.Commits()) != 0 {
		t.Fatalf("collided run committed: %v", store.Commits())
	}

	_ = release(context.Background())
	mustRun(t, New(store, src, nil, Options{}), wordnetMapping(), man, testParams("collide-1"))
}

func TestLedgerRecordsRunAndRejectsHeldBatch(t *testing.T) {
	gdb, err := db.Open("sqlite:"+filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	lg := ledger.New(gdb, nil, 0)
	ctx := context.Background()

	held := &ingest.BatchRecord{DatasetID: "wordnet", SchemaVersion: "3.0", IngestBatchID: "ledger-1"}
	if err := lg.Begin(ctx, held); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	src, man := fixture(t, baseFiles())
	l := New(graph.NewMemoryStore(), src, nil, Options{Recorder: lg})
	if _, err := l.Run(ctx, wordnetMapping(), man, testParams("ledger-1")); !errors.Is(err, ingest.ErrRunCollision) {
		t.Fatalf("want collision from ledger, got %v", err)
	}

	rep := mustRun(t, l, wordnetMapping(), man, testParams("ledger-2"))
	rec, err := lg.Get(ctx, "wordnet", "3.0", "ledger-2")
	if err != nil || rec == nil {
		t.Fatalf("Get: rec=%v err=%v", rec, err)
	}
	if rec.Status != ingest.BatchComplete || rec.RowsLoaded != rep.RowsLoaded || rec.FinishedAt == nil {
		t.Fatalf("ledger row: %+v", rec)
	}
	if !strings.Contains(string(rec.Report), `"ingest_batch_id": "ledger-2"`) {
		t.Fatalf("ledger report: %s", rec.Report)
	}
	still, _ := lg.Get(ctx, "wordnet", "3.0", "ledger-1")
	if still.Status != ingest.BatchRunning {
		t.Fatalf("collided run must not touch the holder's row: %+v", still)
	}
}

func TestCancellationStopsBetweenChunks(t *testing.T) {
	src, man := fixture(t, baseFiles())
	store := graph.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	store.BeforeCommit = func(op string) error {
		if op == "relationships:SEMLINK" {
			calls++
			if calls == 2 {
				cancel()
			}
		}
		return nil
	}
	p := testParams("cancel-1")
	p.BatchSize = 1

	rep, err := New(store, src, nil, Options{}).Run(ctx, wordnetMapping(), man, p)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if rep.Status != ingest.BatchPartial {
		t.Fatalf("status=%s", rep.Status)
	}
	fr := rep.File("relationships.SEMLINK")
	if len(fr.CommittedChunks) != 2 || fr.State != StateFailed {
		t.Fatalf("in-flight chunk must finish, later ones must not start: %+v", fr)
	}
	if n, _ := store.CountEdges(context.Background(), "SEMLINK"); n != 2 {
		t.Fatalf("semlink edges: %d", n)
	}
	if sense := rep.File("relationships.SENSE"); sense.State != StateFailed || !strings.Contains(sense.Error, "not run") {
		t.Fatalf("sense report: %+v", sense)
	}
}

func TestDanglingEndpointsAreRejected(t *testing.T) {
	files := baseFiles()
	files["senses.csv"] += "99,100,1\n"
	src, man := fixture(t, files)
	rep := mustRun(t, New(graph.NewMemoryStore(), src, nil, Options{}), wordnetMapping(), man, testParams("dangling-1"))

	fr := rep.File("relationships.SENSE")
	if fr.RowsLoaded != 3 || fr.RowsRejected != 1 {
		t.Fatalf("sense counts: %+v", fr)
	}
	last := rep.Rejections[len(rep.Rejections)-1]
	if last.Reason != ingest.ReasonDanglingEndpoint || last.Line != 5 || last.File != "senses.csv" {
		t.Fatalf("dangling rejection: %+v", last)
	}
	if rep.DanglingDropped != 1 {
		t.Fatalf("dangling_dropped: want=1 got=%d", rep.DanglingDropped)
	}
}

func TestLoadsTheManifestEntryItVerified(t *testing.T) {
	src, man := fixture(t, map[string]string{"words.csv": "wordid,lemma\n1,dog\n"})
	if err := os.MkdirAll(filepath.Join(src.Root, "v2"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src.Root, "v2", "words.csv"), []byte("wordid,lemma\n1,TAMPERED\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := &mapping.Mapping{
		SchemaVersion: "3.0",
		Nodes: []mapping.NodeRule{
			{Label: "Word", SourceFile: "v2/words.csv", KeyColumn: "wordid", KeyType: mapping.TypeInt,
				Properties: []mapping.Property{{Column: "lemma"}}},
		},
	}
	store := graph.NewMemoryStore()
	rep := mustRun(t, New(store, src, nil, Options{}), m, man, testParams("verified-name-1"))

	if fr := rep.File("nodes.Word"); fr.File != "words.csv" {
		t.Fatalf("file: want=words.csv got=%s", fr.File)
	}
	props, ok := store.Node("Word", int64(1))
	if !ok || props["lemma"] != "dog" {
		t.Fatalf("loaded bytes that were not verified: %v", props)
	}
}

func TestPreflightFailuresAreFatal(t *testing.T) {
	t.Run("checksum", func(t *testing.T) {
		src, man := fixture(t, baseFiles())
		man.Files[0].SHA256 = strings.Repeat("0", 64)
		store := graph.NewMemoryStore()
		_, err := New(store, src, nil, Options{}).Run(context.Background(), wordnetMapping(), man, testParams("pre-1"))
		var ierr *ingest.IntegrityError
		if !errors.As(err, &ierr) || ierr.Failures[0].Kind != ingest.ChecksumMismatch {
			t.Fatalf("want checksum mismatch, got %v", err)
		}
		if len(store.Commits()) != 0 {
			t.Fatalf("commits: %v", store.Commits())
		}
	})
	t.Run("missing from manifest", func(t *testing.T) {
		src, man := fixture(t, baseFiles())
		man.Files = man.Files[1:]
		_, err := New(graph.NewMemoryStore(), src, nil, Options{}).Run(context.Background(), wordnetMapping(), man, testParams("pre-2"))
		var ierr *ingest.IntegrityError
		if !errors.As(err, &ierr) || ierr.Failures[0].Kind != ingest.MissingFromManifest {
			t.Fatalf("want coverage failure, got %v", err)
		}
	})
	t.Run("missing column", func(t *testing.T) {
		files := baseFiles()
		files["senses.csv"] = "wordid,synset\n1,100\n"
		src, man := fixture(t, files)
		_, err := New(graph.NewMemoryStore(), src, nil, Options{}).Run(context.Background(), wordnetMapping(), man, testParams("pre-3"))
		if !errors.Is(err, ingest.ErrConfiguration) || !strings.Contains(err.Error(), "synsetid") {
			t.Fatalf("want configuration error naming the column, got %v", err)
		}
	})
	t.Run("undeclared generic type", func(t *testing.T) {
		src, man := fixture(t, baseFiles())
		m := wordnetMapping()
		m.Derived[0].FromGenericType = "LEXLINK"
		rep, err := New(graph.NewMemoryStore(), src, nil, Options{}).Run(context.Background(), m, man, testParams("pre-4"))
		if !errors.Is(err, ingest.ErrConfiguration) || rep.Status != ingest.BatchFatal {
			t.Fatalf("want configuration error, got %v", err)
		}
	})
}

func TestIndexesIncludeKeyConstraints(t *testing.T) {
	m := mapping.Repair(wordnetMapping())
	m.Indexes = []mapping.IndexSpec{
		{Kind: mapping.IndexConstraint, Label: "Word", Properties: []string{"wordid"}},
		{Kind: mapping.IndexRel, Type: "SEMLINK", Properties: []string{"linkid"}},
	}
	specs := indexSpecs(m)
	if len(specs) != 3 {
		t.Fatalf("specs: %+v", specs)
	}
	last := specs[2]
	if last.Label != "Synset" || last.Properties[0] != "synsetid" || !last.Unique {
		t.Fatalf("synset key constraint: %+v", last)
	}
}

func TestNewBatchID(t *testing.T) {
	id := NewBatchID("wn-", "3.0", time.Unix(1700000000, 0))
	if !regexp.MustCompile(`^wn-3\.0-1700000000-[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("batch id: %q", id)
	}
	if NewBatchID("", "3.0", time.Unix(1, 0)) == NewBatchID("", "3.0", time.Unix(1, 0)) {
		t.Fatalf("batch ids must differ within the same second")
	}
}

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	p := DefaultParams()
	p.BatchSize = -1
	p.MaxBackoff = time.Millisecond
	err := p.Validate()
	var cerr *ingest.ConfigurationError
	if !errors.As(err, &cerr) || len(cerr.Problems) != 2 {
		t.Fatalf("want two problems, got %v", err)
	}

	d := Params{}.withDefaults()
	if d.ChunkTimeout != DefaultParams().ChunkTimeout || d.BatchSize != DefaultParams().BatchSize {
		t.Fatalf("zero params must take defaults: %+v", d)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("connection reset"), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{ingest.ConfigError("bad"), false},
		{ingest.NewIntegrityError(), false},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Fatalf("retryable(%v): want=%v got=%v", tc.err, tc.want, got)
		}
	}
}
