//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cloo-solutions/kbagent/internal/testutil"
)

const embeddingDims = 1536

var bootstrapKey = "kba_" + strings.Repeat("e2", 32)

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T          *testing.T
	Ctx        context.Context
	PostgresC  *testutil.PostgresContainer
	RustFSC    *testutil.RustFSContainer
	FakeLLM    *httptest.Server
	BinaryDir  string
	ServerURL  string
	ServerEnv  []string
	APIKey     string
	HTTPClient *http.Client

	server *exec.Cmd
}

// SetupE2EEnv starts the containers, builds both binaries and runs
// kbagentd serve against a fake OpenAI-compatible backend.
func SetupE2EEnv(t *testing.T) *E2ETestEnv {
	ctx := context.Background()

	env := &E2ETestEnv{
		T:          t,
		Ctx:        ctx,
		PostgresC:  testutil.NewPostgresContainer(ctx, t),
		RustFSC:    testutil.NewRustFSContainer(ctx, t),
		FakeLLM:    newFakeOpenAI(),
		APIKey:     bootstrapKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	env.buildBinaries()

	port, err := getFreePort()
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}
	migrations, err := filepath.Abs("../../migrations")
	if err != nil {
		t.Fatalf("failed to resolve migrations dir: %v", err)
	}

	env.ServerURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	env.ServerEnv = []string{
		"KBAGENT_PORT=" + fmt.Sprint(port),
		"KBAGENT_DATABASE_URL=" + env.PostgresC.ConnectionString(),
		"KBAGENT_MIGRATIONS_DIR=" + migrations,
		"KBAGENT_LOG_LEVEL=debug",
		"KBAGENT_OPENAI_API_KEY=test",
		"KBAGENT_OPENAI_BASE_URL=" + env.FakeLLM.URL + "/v1",
		"KBAGENT_EMBEDDING_DIMENSIONS=" + fmt.Sprint(embeddingDims),
		"KBAGENT_CONFIDENCE_FLOOR=0.6",
		"KBAGENT_WORKER_POLL_INTERVAL=1s",
		"KBAGENT_S3_ENDPOINT=" + env.RustFSC.Endpoint(),
		"KBAGENT_S3_ACCESS_KEY_ID=rustfsadmin",
		"KBAGENT_S3_SECRET_ACCESS_KEY=rustfsadmin",
		"KBAGENT_S3_BUCKET=e2e-snapshots",
		"KBAGENT_INIT_TENANT_NAME=e2e-tenant",
		"KBAGENT_INIT_API_KEY=" + bootstrapKey,
	}

	env.server = exec.Command(filepath.Join(env.BinaryDir, "kbagentd"), "serve")
	env.server.Env = append(os.Environ(), env.ServerEnv...)
	env.server.Stdout = os.Stdout
	env.server.Stderr = os.Stderr
	if err := env.server.Start(); err != nil {
		t.Fatalf("failed to start kbagentd: %v", err)
	}
	waitForServer(t, env.ServerURL+"/health", 60*time.Second)

	return env
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.server != nil && e.server.Process != nil {
		_ = e.server.Process.Signal(os.Interrupt)
		_, _ = e.server.Process.Wait()
	}
	if e.FakeLLM != nil {
		e.FakeLLM.Close()
	}
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
	if e.BinaryDir != "" {
		os.RemoveAll(e.BinaryDir)
	}
}

func (e *E2ETestEnv) buildBinaries() {
	tmpDir, err := os.MkdirTemp("", "kbagent-e2e-*")
	if err != nil {
		e.T.Fatalf("failed to create temp dir: %v", err)
	}
	e.BinaryDir = tmpDir

	for _, name := range []string{"kbagentd", "kbagent"} {
		cmd := exec.Command("go", "build", "-o", filepath.Join(tmpDir, name), "./cmd/"+name)
		cmd.Dir = "../.."
		if out, err := cmd.CombinedOutput(); err != nil {
			e.T.Fatalf("failed to build %s: %v\n%s", name, err, out)
		}
	}
}

// RunCLI runs the kbagent client with the given key and optional stdin.
func (e *E2ETestEnv) RunCLI(apiKey, stdin string, args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "kbagent"), args...)
	cmd.Dir = e.BinaryDir
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = append(os.Environ(),
		"KBAGENT_API_KEY="+apiKey,
		"KBAGENT_API_URL="+e.ServerURL,
		"XDG_CONFIG_HOME="+e.BinaryDir,
		"HOME="+e.BinaryDir,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// RunAdmin runs a kbagentd admin command against the same database.
func (e *E2ETestEnv) RunAdmin(args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "kbagentd"), args...)
	cmd.Env = append(os.Environ(), e.ServerEnv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// APIResponse is the server's JSON envelope.
type APIResponse struct {
	Status int
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

func (e *E2ETestEnv) Get(path, apiKey string) *APIResponse {
	return e.do(http.MethodGet, path, nil, apiKey)
}

func (e *E2ETestEnv) Post(path string, body any, apiKey string) *APIResponse {
	return e.do(http.MethodPost, path, body, apiKey)
}

func (e *E2ETestEnv) do(method, path string, body any, apiKey string) *APIResponse {
	e.T.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.T.Fatalf("failed to marshal body: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(e.Ctx, method, e.ServerURL+path, reqBody)
	if err != nil {
		e.T.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		e.T.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := &APIResponse{Status: resp.StatusCode}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			e.T.Fatalf("%s %s returned non-JSON body: %s", method, path, raw)
		}
	}
	return out
}

// Decode unmarshals the data field into v.
func (r *APIResponse) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("failed to decode data %s: %v", r.Data, err)
	}
}

// newFakeOpenAI serves /v1/embeddings with a deterministic bag-of-words
// vector and /v1/chat/completions with a canned answer.
func newFakeOpenAI() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := openai.EmbeddingResponse{Object: "list", Model: openai.EmbeddingModel(req.Model)}
		for i, text := range req.Input {
			resp.Data = append(resp.Data, openai.Embedding{Object: "embedding", Index: i, Embedding: bagOfWords(text)})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var prompt strings.Builder
		for _, m := range req.Messages {
			prompt.WriteString(m.Content)
		}

		answer := "Thanks for reaching out, a colleague will look into this."
		if strings.Contains(strings.ToLower(prompt.String()), "forgot password") {
			answer = "Open the login page and click Forgot password to set a new one."
		}
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:     "chatcmpl-e2e",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	})

	return httptest.NewServer(mux)
}

func bagOfWords(text string) []float32 {
	vec := make([]float32, embeddingDims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%embeddingDims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func waitForServer(t *testing.T, url string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("server did not become healthy within %v", timeout)
}

func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
