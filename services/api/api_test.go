package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootvault/pkg/bus"
	"bootvault/pkg/db/dbtest"
	"bootvault/pkg/render"
	"bootvault/services/artifacts"
	"bootvault/services/audit"
	"bootvault/services/boot"
	"bootvault/services/catalog"
)

const ubuntuScript = "#!ipxe\nkernel http://10.0.0.2:8080/artifacts/vmlinuz\nboot\n"

type recordingBus struct {
	subjects []string
}

func (b *recordingBus) Publish(_ context.Context, subj string, _ any) error {
	b.subjects = append(b.subjects, subj)
	return nil
}

type testEnv struct {
	handler http.Handler
	scripts render.Scripts
	bus     *recordingBus
}

func newTestEnv(t *testing.T, cfg Config, artifactCfg artifacts.Config, ready func(context.Context) error) testEnv {
	t.Helper()

	orm := dbtest.NewSQLite(t)
	blobs, err := artifacts.NewFSBlobs(t.TempDir())
	require.NoError(t, err)
	artifactStore, err := artifacts.New(artifactCfg, orm, blobs)
	require.NoError(t, err)

	digester := catalog.NewSecretDigester("")
	accounts := catalog.NewAccounts(orm, digester)
	profiles := catalog.NewProfiles(orm)
	attempts := audit.NewGormLog(orm)

	engine, err := render.New()
	require.NoError(t, err)
	scripts, err := engine.NewScripts("http://10.0.0.2:8080")
	require.NoError(t, err)

	resolver, err := boot.NewResolver(boot.Config{Scripts: scripts}, accounts, profiles, digester, attempts, boot.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, err)

	recBus := &recordingBus{}
	a, err := New(&Store{
		Artifacts: artifactStore,
		Profiles:  profiles,
		Accounts:  accounts,
		Attempts:  attempts,
		Resolver:  resolver,
		Bus:       recBus,
		Ready:     ready,
	}, cfg, zerolog.Nop())
	require.NoError(t, err)

	handler, err := a.Routes()
	require.NoError(t, err)
	return testEnv{handler: handler, scripts: scripts, bus: recBus}
}

func (e testEnv) do(t *testing.T, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e testEnv) doJSON(t *testing.T, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	return e.do(t, method, target, body, http.Header{"Content-Type": []string{"application/json"}})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func multipartBody(t *testing.T, field, filename string, content []byte) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestBootFlow(t *testing.T) {
	env := newTestEnv(t, Config{}, artifacts.Config{}, nil)

	rec := env.doJSON(t, http.MethodPut, "/v1/profiles/ubuntu", map[string]any{"script_body": ubuntuScript})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.doJSON(t, http.MethodPost, "/v1/accounts", map[string]any{
		"principal":        "alice",
		"secret":           "hunter2",
		"assigned_profile": "ubuntu",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/boot/entry", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, env.scripts.Entry, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	rec = env.do(t, http.MethodGet, "/menu.ipxe", nil, nil)
	assert.Equal(t, env.scripts.Entry, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/boot/resolve?username=alice&password=hunter2&mac=52:54:00:AA:BB:CC", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ubuntuScript, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/boot/resolve?username=alice&password=wrong&mac=52:54:00:aa:bb:cc", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, env.scripts.Reject, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	rec = env.do(t, http.MethodGet, "/boot/resolve", nil, nil)
	assert.Equal(t, env.scripts.Reject, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/attempts?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	attempts := decode[attemptListResponse](t, rec).Attempts
	require.Len(t, attempts, 2)
	assert.Equal(t, "", attempts[0].Principal)
	assert.Equal(t, audit.OutcomeFailure, attempts[0].Outcome)
	assert.Equal(t, "alice", attempts[1].Principal)
	assert.Equal(t, boot.ReasonBadSecret, attempts[1].Reason)
	require.NotNil(t, attempts[1].ClientIdentifier)
	assert.Equal(t, "52:54:00:aa:bb:cc", *attempts[1].ClientIdentifier)

	rec = env.do(t, http.MethodGet, "/v1/attempts", nil, nil)
	assert.Len(t, decode[attemptListResponse](t, rec).Attempts, 3)

	rec = env.do(t, http.MethodGet, "/v1/attempts?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBootRateLimit(t *testing.T) {
	tests := []struct {
		name         string
		target       string
		wantBody     func(env testEnv) string
		wantAttempts int
	}{
		{
			name:         "resolve over limit is rejected and recorded",
			target:       "/boot/resolve?username=alice&password=hunter2&mac=52:54:00:aa:bb:cc",
			wantBody:     func(env testEnv) string { return env.scripts.Reject },
			wantAttempts: 3,
		},
		{
			name:         "entry over limit still serves entry script",
			target:       "/boot/entry",
			wantBody:     func(env testEnv) string { return env.scripts.Entry },
			wantAttempts: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{BootRateLimit: 2}, artifacts.Config{}, nil)

			rec := env.doJSON(t, http.MethodPut, "/v1/profiles/ubuntu", map[string]any{"script_body": ubuntuScript})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			rec = env.doJSON(t, http.MethodPost, "/v1/accounts", map[string]any{
				"principal":        "alice",
				"secret":           "hunter2",
				"assigned_profile": "ubuntu",
			})
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

			for i := 0; i < 2; i++ {
				rec = env.do(t, http.MethodGet, tt.target, nil, nil)
				require.Equal(t, http.StatusOK, rec.Code)
			}

			rec = env.do(t, http.MethodGet, tt.target, nil, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
			assert.Equal(t, tt.wantBody(env), rec.Body.String())

			rec = env.do(t, http.MethodGet, "/v1/attempts", nil, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			attempts := decode[attemptListResponse](t, rec).Attempts
			require.Len(t, attempts, tt.wantAttempts)
			if tt.wantAttempts == 0 {
				return
			}

			var limited int
			for _, a := range attempts {
				if a.Reason == boot.ReasonRateLimited {
					limited++
					assert.Equal(t, audit.OutcomeFailure, a.Outcome)
					assert.Equal(t, "alice", a.Principal)
				}
			}
			assert.Equal(t, 1, limited, "one failure record for the limited request")
			assert.Equal(t, boot.ReasonRateLimited, attempts[0].Reason)
		})
	}
}

func TestArtifactLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{}, artifacts.Config{}, nil)

	body, contentType := multipartBody(t, "file", "image.iso", []byte("ABC"))
	rec := env.do(t, http.MethodPost, "/v1/artifacts", body, http.Header{"Content-Type": []string{contentType}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	uploaded := decode[artifacts.Artifact](t, rec)
	assert.Equal(t, "image-902fbdd2b1df0c4f70b4a5d23525e932.iso", uploaded.StoredName)
	assert.Equal(t, "902fbdd2b1df0c4f70b4a5d23525e932", uploaded.Digest)

	rec = env.do(t, http.MethodPut, "/v1/artifacts/image.iso", strings.NewReader("ABC"), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, uploaded.StoredName, decode[artifacts.Artifact](t, rec).StoredName)

	rec = env.do(t, http.MethodGet, "/v1/artifacts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[artifactListResponse](t, rec).Artifacts, 1)

	rec = env.do(t, http.MethodGet, "/artifacts/"+uploaded.StoredName, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABC", rec.Body.String())
	assert.Equal(t, "3", rec.Header().Get("Content-Length"))

	rec = env.do(t, http.MethodGet, "/v1/artifacts/"+uploaded.StoredName+"/presign", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/artifacts/"+uploaded.StoredName, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/v1/artifacts/"+uploaded.StoredName, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/artifacts/"+uploaded.StoredName, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{
		bus.SubjectArtifactStored,
		bus.SubjectArtifactStored,
		bus.SubjectArtifactsDeleted,
		bus.SubjectArtifactsDeleted,
	}, env.bus.subjects)
}

func TestArtifactUploadErrors(t *testing.T) {
	env := newTestEnv(t, Config{}, artifacts.Config{MaxSize: 4}, nil)

	rec := env.do(t, http.MethodPut, "/v1/artifacts/big.bin", strings.NewReader("12345"), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	body, contentType := multipartBody(t, "file", "big.bin", []byte("12345"))
	rec = env.do(t, http.MethodPost, "/v1/artifacts", body, http.Header{"Content-Type": []string{contentType}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	body, contentType = multipartBody(t, "other", "a.bin", []byte("1"))
	rec = env.do(t, http.MethodPost, "/v1/artifacts", body, http.Header{"Content-Type": []string{contentType}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/artifacts/...", strings.NewReader("1"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/artifacts", nil, nil)
	assert.Empty(t, decode[artifactListResponse](t, rec).Artifacts)

	rec = env.do(t, http.MethodGet, "/artifacts/..%2Fbootvault.db", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfileEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{}, artifacts.Config{}, nil)

	rec := env.do(t, http.MethodGet, "/v1/profiles/ubuntu", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.doJSON(t, http.MethodPut, "/v1/profiles/ubuntu", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doJSON(t, http.MethodPut, "/v1/profiles/ubuntu", map[string]any{"script_body": ubuntuScript})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/profiles/ubuntu", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ubuntuScript, decode[catalog.Profile](t, rec).ScriptBody)

	rec = env.do(t, http.MethodGet, "/v1/profiles", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "script_body")
	assert.Len(t, decode[profileListResponse](t, rec).Profiles, 1)

	rec = env.do(t, http.MethodDelete, "/v1/profiles/ubuntu", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/profiles/ubuntu", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{}, artifacts.Config{}, nil)

	rec := env.doJSON(t, http.MethodPost, "/v1/accounts", map[string]any{"principal": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doJSON(t, http.MethodPost, "/v1/accounts", map[string]any{"principal": "alice", "secret": "hunter2", "role": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = env.doJSON(t, http.MethodPost, "/v1/accounts", map[string]any{"principal": "alice", "secret": "hunter2"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "digest")
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = env.doJSON(t, http.MethodPost, "/v1/accounts", map[string]any{"principal": "alice", "secret": "other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.doJSON(t, http.MethodPatch, "/v1/accounts/alice", map[string]any{"assigned_profile": "debian"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[catalog.Account](t, rec)
	require.NotNil(t, updated.AssignedProfile)
	assert.Equal(t, "debian", *updated.AssignedProfile)

	rec = env.doJSON(t, http.MethodPatch, "/v1/accounts/alice", map[string]any{"secret": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doJSON(t, http.MethodPatch, "/v1/accounts/bob", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/accounts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[accountListResponse](t, rec).Accounts, 1)

	rec = env.do(t, http.MethodDelete, "/v1/accounts/alice", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/accounts/alice", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminToken(t *testing.T) {
	env := newTestEnv(t, Config{AdminToken: "s3cr3t"}, artifacts.Config{}, nil)

	rec := env.do(t, http.MethodGet, "/v1/profiles", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/profiles", nil, http.Header{"Authorization": []string{"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/profiles", nil, http.Header{"Authorization": []string{"Bearer s3cr3t"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/boot/entry", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "boot routes stay open")
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, Config{}, artifacts.Config{}, func(context.Context) error {
		return errors.New("database unreachable")
	})

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bootvault_artifacts_uploads_total")
}
