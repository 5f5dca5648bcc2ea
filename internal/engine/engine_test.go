package engine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/t8nlab/titan/internal/drift"
	"github.com/t8nlab/titan/internal/extension"
	"github.com/t8nlab/titan/internal/sharecontext"
)

// fakeHost records host calls and plays back canned drift results.
type fakeHost struct {
	finished   map[uint64][]byte
	driftOps   []drift.AsyncOp
	driftQueue []any // nil entry → suspend; non-nil → replay value
	dbConns    []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{finished: map[uint64][]byte{}}
}

func (h *fakeHost) DriftCall(requestID uint64, op drift.AsyncOp) (any, bool) {
	h.driftOps = append(h.driftOps, op)
	if len(h.driftQueue) == 0 {
		return nil, false
	}
	next := h.driftQueue[0]
	h.driftQueue = h.driftQueue[1:]
	if next == nil {
		return nil, false
	}
	return next, true
}

func (h *fakeHost) FinishRequest(requestID uint64, resultJSON []byte) {
	h.finished[requestID] = resultJSON
}

func (h *fakeHost) EnsureDBPool(conn string, maxSize int) error {
	h.dbConns = append(h.dbConns, conn)
	return nil
}

func writeAction(t *testing.T, dir, name, source string) map[string]string {
	t.Helper()
	path := filepath.Join(dir, name+".js")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
	return map[string]string{name: path}
}

func newIsolate(t *testing.T, host Host, actions map[string]string) *Isolate {
	t.Helper()
	return New(Config{
		ID:          0,
		ProjectRoot: t.TempDir(),
		Share:       sharecontext.New(),
		Extensions:  &extension.Registry{},
		Host:        host,
		Actions:     actions,
	})
}

func TestFinishRequestFastPathExtraction(t *testing.T) {
	host := newFakeHost()
	actions := writeAction(t, t.TempDir(), "hello",
		`function(req){ t._finish_request(req.__titan_request_id, t.response.json({message:"Hello, World!"})); }`)
	iso := newIsolate(t, host, actions)

	err := iso.Execute(1, &drift.RequestTask{ActionName: "hello", Method: "GET", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}

	var out map[string]any
	if err := json.Unmarshal(host.finished[1], &out); err != nil {
		t.Fatal(err)
	}
	if out["_isResponse"] != true || out["status"] != float64(200) {
		t.Fatalf("unexpected result %v", out)
	}
	if out["body"] != `{"message":"Hello, World!"}` {
		t.Fatalf("body must pass through as a string, got %v", out["body"])
	}
	headers := out["headers"].(map[string]any)
	if headers["Content-Type"] != "application/json" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestTrampolineFinishesFromReturnValue(t *testing.T) {
	host := newFakeHost()
	actions := writeAction(t, t.TempDir(), "ret",
		`function(req){ return t.response.text("done"); }`)
	iso := newIsolate(t, host, actions)

	if err := iso.Execute(2, &drift.RequestTask{ActionName: "ret", Method: "GET", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(host.finished[2], &out); err != nil {
		t.Fatal(err)
	}
	if out["body"] != "done" {
		t.Fatalf("unexpected result %v", out)
	}
}

func TestDriftSuspendThenReplay(t *testing.T) {
	host := newFakeHost()
	actions := writeAction(t, t.TempDir(), "fetcher",
		`function(req){
			var r = t.fetch("https://echo/");
			t._finish_request(req.__titan_request_id, t.response.json({s: r.status}));
		}`)
	iso := newIsolate(t, host, actions)
	task := &drift.RequestTask{ActionName: "fetcher", Method: "GET", Path: "/"}

	// First run: no cached result → suspend.
	err := iso.Execute(3, task)
	if !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected suspension, got %v", err)
	}
	if len(host.driftOps) != 1 || host.driftOps[0].Kind != drift.OpFetch || host.driftOps[0].URL != "https://echo/" {
		t.Fatalf("unexpected drift ops %+v", host.driftOps)
	}

	// Replay: the drift now resolves from cache.
	host.driftQueue = []any{map[string]any{"_isResponse": true, "status": float64(200)}}
	if err := iso.Execute(3, task); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(host.finished[3], &out); err != nil {
		t.Fatal(err)
	}
	if out["body"] != `{"s":200}` {
		t.Fatalf("unexpected body %v", out["body"])
	}
}

func TestBatchDriftParsesSubOps(t *testing.T) {
	host := newFakeHost()
	actions := writeAction(t, t.TempDir(), "batch",
		`function(req){
			var results = t.all([t.op.fetch("https://a/"), t.op.read("data.txt")]);
			t._finish_request(req.__titan_request_id, results);
		}`)
	iso := newIsolate(t, host, actions)

	host.driftQueue = []any{[]any{"ra", "rb"}}
	if err := iso.Execute(4, &drift.RequestTask{ActionName: "batch", Method: "GET", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	if len(host.driftOps) != 1 {
		t.Fatalf("batch must allocate a single drift, got %d", len(host.driftOps))
	}
	op := host.driftOps[0]
	if op.Kind != drift.OpBatch || len(op.Sub) != 2 {
		t.Fatalf("unexpected batch op %+v", op)
	}
	if op.Sub[0].Kind != drift.OpFetch || op.Sub[1].Kind != drift.OpFsRead {
		t.Fatalf("unexpected sub-ops %+v", op.Sub)
	}
	if string(host.finished[4]) != `["ra","rb"]` {
		t.Fatalf("unexpected result %s", host.finished[4])
	}
}

func TestActionRuntimeError(t *testing.T) {
	host := newFakeHost()
	actions := writeAction(t, t.TempDir(), "boom",
		`function(req){ throw new Error("exploded"); }`)
	iso := newIsolate(t, host, actions)

	err := iso.Execute(5, &drift.RequestTask{ActionName: "boom", Method: "GET", Path: "/"})
	if err == nil || errors.Is(err, ErrSuspended) {
		t.Fatalf("expected runtime error, got %v", err)
	}
}

func TestActionNotFound(t *testing.T) {
	iso := newIsolate(t, newFakeHost(), nil)
	err := iso.Execute(6, &drift.RequestTask{ActionName: "ghost", Method: "GET", Path: "/"})
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestRequestObjectFields(t *testing.T) {
	host := newFakeHost()
	actions := writeAction(t, t.TempDir(), "echo",
		`function(req){
			t._finish_request(req.__titan_request_id, {
				m: req.method,
				p: req.path,
				id: req.params.id,
				q: req.query.tag,
				h: req.headers["X-Token"],
				body: req.rawBody === null ? null : t.decodeUtf8(req.rawBody)
			});
		}`)
	iso := newIsolate(t, host, actions)

	err := iso.Execute(7, &drift.RequestTask{
		ActionName: "echo",
		Method:     "POST",
		Path:       "/things/9",
		Body:       []byte("payload"),
		Headers:    map[string]string{"X-Token": "tok"},
		Params:     map[string]string{"id": "9"},
		Query:      map[string]string{"tag": "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(host.finished[7], &out); err != nil {
		t.Fatal(err)
	}
	if out["m"] != "POST" || out["p"] != "/things/9" || out["id"] != "9" ||
		out["q"] != "x" || out["h"] != "tok" || out["body"] != "payload" {
		t.Fatalf("unexpected request view %v", out)
	}
}

func TestReadSyncConfinedToRoot(t *testing.T) {
	host := newFakeHost()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "inside.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	actions := writeAction(t, t.TempDir(), "reader",
		`function(req){
			t._finish_request(req.__titan_request_id, {
				inside: t.readSync("inside.txt"),
				outside: t.readSync("../secrets.txt")
			});
		}`)
	iso := New(Config{
		ProjectRoot: root,
		Share:       sharecontext.New(),
		Host:        host,
		Actions:     actions,
	})

	if err := iso.Execute(8, &drift.RequestTask{ActionName: "reader", Method: "GET", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(host.finished[8], &out); err != nil {
		t.Fatal(err)
	}
	if out["inside"] != "ok" || out["outside"] != nil {
		t.Fatalf("unexpected read results %v", out)
	}
}

func TestShareContextAcrossIsolates(t *testing.T) {
	share := sharecontext.New()
	host := newFakeHost()

	writerActions := writeAction(t, t.TempDir(), "writer",
		`function(req){ t.shareContext.set("k", {v: 7}); t._finish_request(req.__titan_request_id, {ok: true}); }`)
	readerActions := writeAction(t, t.TempDir(), "reader",
		`function(req){ t._finish_request(req.__titan_request_id, t.shareContext.get("k")); }`)

	writer := New(Config{ProjectRoot: t.TempDir(), Share: share, Host: host, Actions: writerActions})
	reader := New(Config{ProjectRoot: t.TempDir(), Share: share, Host: host, Actions: readerActions})

	if err := writer.Execute(9, &drift.RequestTask{ActionName: "writer", Method: "GET", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	if err := reader.Execute(10, &drift.RequestTask{ActionName: "reader", Method: "GET", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	if string(host.finished[10]) != `{"v":7}` {
		t.Fatalf("unexpected shared value %s", host.finished[10])
	}
}

func TestJWTAndPasswordFromScript(t *testing.T) {
	host := newFakeHost()
	actions := writeAction(t, t.TempDir(), "auth",
		`function(req){
			var token = t.jwt.sign({sub: "alice"}, "secret");
			var claims = t.jwt.verify(token, "secret");
			var hash = t.password.hash("pw");
			t._finish_request(req.__titan_request_id, {
				sub: claims.sub,
				ok: t.password.verify("pw", hash),
				bad: t.password.verify("no", hash)
			});
		}`)
	iso := newIsolate(t, host, actions)

	if err := iso.Execute(11, &drift.RequestTask{ActionName: "auth", Method: "GET", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(host.finished[11], &out); err != nil {
		t.Fatal(err)
	}
	if out["sub"] != "alice" || out["ok"] != true || out["bad"] != false {
		t.Fatalf("unexpected auth results %v", out)
	}
}

func TestExtensionModuleInjection(t *testing.T) {
	host := newFakeHost()
	var captured []any
	reg := &extension.Registry{
		Natives: []extension.NativeEntry{{
			Invoke: func(args []any) any {
				captured = args
				return "shouted"
			},
			Sig: extension.Signature{
				Params: []extension.ParamType{extension.TypeString},
				Ret:    extension.RetString,
			},
		}},
		Modules: []extension.Module{{
			Name: "shout",
			JS:   `t.shout.loud = function(s) { return t.shout.raw(s); };`,
			Map:  map[string]int{"raw": 0},
		}},
	}
	actions := writeAction(t, t.TempDir(), "use_ext",
		`function(req){ t._finish_request(req.__titan_request_id, {out: t.shout.loud("hey")}); }`)
	iso := New(Config{
		ProjectRoot: t.TempDir(),
		Share:       sharecontext.New(),
		Extensions:  reg,
		Host:        host,
		Actions:     actions,
	})

	if err := iso.Execute(12, &drift.RequestTask{ActionName: "use_ext", Method: "GET", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(host.finished[12], &out); err != nil {
		t.Fatal(err)
	}
	if out["out"] != "shouted" {
		t.Fatalf("unexpected extension result %v", out)
	}
	if len(captured) != 1 || captured[0] != "hey" {
		t.Fatalf("unexpected native args %v", captured)
	}
}

func TestDBConnectProducesQueryDescriptor(t *testing.T) {
	host := newFakeHost()
	actions := writeAction(t, t.TempDir(), "db",
		`function(req){
			var conn = t.db.connect("postgres://localhost/app", {max: 4});
			var rows = conn.query("select * from users where id = $1", ["42"]);
			t._finish_request(req.__titan_request_id, rows);
		}`)
	iso := newIsolate(t, host, actions)
	task := &drift.RequestTask{ActionName: "db", Method: "GET", Path: "/"}

	if err := iso.Execute(13, task); !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected suspension, got %v", err)
	}
	if len(host.dbConns) != 1 || host.dbConns[0] != "postgres://localhost/app" {
		t.Fatalf("expected pool init, got %v", host.dbConns)
	}
	op := host.driftOps[0]
	if op.Kind != drift.OpDbQuery || op.Query != "select * from users where id = $1" ||
		len(op.Params) != 1 || op.Params[0] != "42" {
		t.Fatalf("unexpected db op %+v", op)
	}
}
