package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/regimen-sync/internal/backup"
	"github.com/iliyamo/regimen-sync/internal/config"
	"github.com/iliyamo/regimen-sync/internal/delta"
	"github.com/iliyamo/regimen-sync/internal/handler"
	"github.com/iliyamo/regimen-sync/internal/merge"
	"github.com/iliyamo/regimen-sync/internal/middleware"
	"github.com/iliyamo/regimen-sync/internal/patient"
	"github.com/iliyamo/regimen-sync/internal/repository"
	"github.com/iliyamo/regimen-sync/internal/reschedule"
	"github.com/iliyamo/regimen-sync/internal/router"
	"github.com/iliyamo/regimen-sync/internal/schedule"
	"github.com/iliyamo/regimen-sync/internal/service"
	"github.com/iliyamo/regimen-sync/internal/staging"
	"github.com/iliyamo/regimen-sync/internal/team"
	"github.com/iliyamo/regimen-sync/internal/testutil"
	"github.com/iliyamo/regimen-sync/internal/utils"
)

const jwtSecret = "test-secret"

func newServer(t *testing.T) *echo.Echo {
	t.Helper()
	db := testutil.NewDB(t)
	clock := testutil.NewClock()
	patients := repository.NewPatientRepo(db)
	milestones := repository.NewMilestoneRepo(db)
	tombstones := repository.NewTombstoneRepo(db)
	teams := repository.NewTeamRepo(db)
	inbox := staging.NewInbox(clock.Now)
	merger := merge.NewEngine(db, patients, milestones, tombstones, teams, inbox, clock.Now)
	generator := schedule.NewGenerator(nil)
	hash, err := utils.HashSecret("letmein", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	router.Register(e, router.Handlers{
		Health: handler.Health(db),
		Sync: handler.NewSyncHandler(
			delta.NewExporter(db, patients, milestones, tombstones, teams, clock.Now),
			inbox,
			staging.NewDiffer(db, inbox, patients, milestones, tombstones, teams),
			merger,
			service.NewEvents(clock.Now),
			"host-a",
		),
		Patient: handler.NewPatientHandler(
			patient.NewService(db, patients, milestones, generator, merger, clock.Now),
			reschedule.NewEngine(db, milestones, clock.Now),
			generator,
		),
		Team: handler.NewTeamHandler(
			team.NewService(db, teams, patients, milestones, merger, backup.DirStore{Dir: t.TempDir()}, clock.Now),
			nil,
		),
		Device: &handler.DeviceHandler{JWTSecret: jwtSecret, PairingSecretHash: hash, TokenTTLMin: 60},
	}, router.Options{JWTSecret: jwtSecret, RateLimit: config.RateLimitConfig{}, Cache: config.CacheConfig{}})
	return e
}

func do(t *testing.T, e *echo.Echo, method, path, body string, header map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

const pushBody = `{
  "device_name": "tab-1",
  "data": [
    {"uid": "u-1", "name": "Asha", "age": 40, "regime": "IR", "events": [
      {"title": "Start", "start": "2024-01-01", "missed_days": 0}
    ]},
    {"uid": "u-2", "name": "Ravi", "age": 51, "regime": "RR", "events": []}
  ],
  "deleted": ["gone-1"]
}`

func TestStageReviewCommitPull(t *testing.T) {
	e := newServer(t)

	code, out := do(t, e, http.MethodGet, "/healthz", "", nil)
	if code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}

	code, out = do(t, e, http.MethodPost, "/api/stage_incoming", pushBody, nil)
	if code != http.StatusOK || out["count"] != float64(3) || out["overwrote"] != false {
		t.Fatalf("stage = %d %v", code, out)
	}
	version := out["version"].(float64)

	code, out = do(t, e, http.MethodGet, "/api/get_staged_data?device=tab-1", "", nil)
	if code != http.StatusOK {
		t.Fatalf("diff = %d %v", code, out)
	}
	// the tombstone names an absent patient so only the two records show
	if items := out["data"].([]any); len(items) != 2 {
		t.Fatalf("items = %v", items)
	}

	code, out = do(t, e, http.MethodGet, "/api/get_host_info", "", nil)
	devices := out["devices"].([]any)
	if code != http.StatusOK || out["hostname"] != "host-a" || len(devices) != 1 {
		t.Fatalf("host info = %d %v", code, out)
	}

	stale := `{"commits_by_device": {"tab-1": [0]}, "versions": {"tab-1": 999}}`
	if code, out = do(t, e, http.MethodPost, "/api/commit_staged", stale, nil); code != http.StatusConflict || out["error"] != "conflict" {
		t.Fatalf("stale commit = %d %v", code, out)
	}

	commit := `{"commits_by_device": {"tab-1": [0, 1]}, "versions": {"tab-1": ` + jsonNum(version) + `}}`
	code, out = do(t, e, http.MethodPost, "/api/commit_staged", commit, nil)
	if code != http.StatusOK || out["count"] != float64(2) {
		t.Fatalf("commit = %d %v", code, out)
	}

	code, out = do(t, e, http.MethodGet, "/api/get_all_data", "", nil)
	if code != http.StatusOK || out["success"] != true || len(out["data"].([]any)) != 2 || out["timestamp"] == "" {
		t.Fatalf("pull = %d %v", code, out)
	}
}

func jsonNum(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestCommitBothFormsForOneDevice(t *testing.T) {
	e := newServer(t)
	if code, out := do(t, e, http.MethodPost, "/api/stage_incoming", pushBody, nil); code != http.StatusOK {
		t.Fatalf("stage = %d %v", code, out)
	}

	body := `{"commits_by_device": {"tab-1": [0]}, "device_name": "tab-1", "indices": [0]}`
	code, out := do(t, e, http.MethodPost, "/api/commit_staged", body, nil)
	if code != http.StatusOK || out["count"] != float64(1) {
		t.Fatalf("commit = %d %v", code, out)
	}

	code, out = do(t, e, http.MethodGet, "/api/get_all_data", "", nil)
	data := out["data"].([]any)
	if code != http.StatusOK || len(data) != 1 || data[0].(map[string]any)["uid"] != "u-1" {
		t.Fatalf("pull = %d %v", code, out)
	}
}

func TestErrorMapping(t *testing.T) {
	e := newServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"scoped pull without device", http.MethodGet, "/api/get_all_data?team=north", "", http.StatusForbidden, "unauthorized"},
		{"bad since", http.MethodGet, "/api/get_all_data?since=yesterday", "", http.StatusBadRequest, "bad_request"},
		{"unknown milestone", http.MethodPost, "/update_event", `{"id": 42, "missed_days": 1}`, http.StatusNotFound, "not_found"},
		{"malformed push", http.MethodPost, "/api/stage_incoming", `{"device_name": "x", "data": [{"uid": "u"}]}`, http.StatusBadRequest, "validation_error"},
		{"oversized uid", http.MethodPost, "/api/merge_data", `{"data": [{"uid": "` + strings.Repeat("u", 65) + `", "name": "Asha"}]}`, http.StatusBadRequest, "validation_error"},
		{"bad merge mode", http.MethodPost, "/api/merge_data", `{"mode": "sideways"}`, http.StatusBadRequest, "validation_error"},
		{"empty commit", http.MethodPost, "/api/commit_staged", `{}`, http.StatusBadRequest, "bad_request"},
		{"split versions for one device", http.MethodPost, "/api/commit_staged", `{"commits_by_device": {"tab-9": [0]}, "versions": {"tab-9": 1}, "device_name": "tab-9", "indices": [0], "version": 2}`, http.StatusBadRequest, "validation_error"},
		{"bad patient id", http.MethodPost, "/delete_patient/abc", "", http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, out := do(t, e, tc.method, tc.path, tc.body, nil)
			if code != tc.status || out["error"] != tc.code || out["success"] != false {
				t.Fatalf("got %d %v", code, out)
			}
		})
	}
}

func TestPatientLifecycleOverHTTP(t *testing.T) {
	e := newServer(t)
	code, out := do(t, e, http.MethodPost, "/api/patients",
		`{"name": "Meera", "age": 29, "regime": "IR", "start_date": "2024-01-01"}`, nil)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, out)
	}

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var events []patient.CalendarEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil || len(events) != 4 {
		t.Fatalf("events = %s, %v", rec.Body.String(), err)
	}
	start := events[0]

	code, out = do(t, e, http.MethodPost, "/update_event", `{"id": `+jsonNum(float64(start.ID))+`, "missed_days": 3, "outcome": "Cured"}`, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("cured on start = %d %v", code, out)
	}
	code, out = do(t, e, http.MethodPost, "/update_event", `{"id": `+jsonNum(float64(start.ID))+`, "missed_days": 3}`, nil)
	if code != http.StatusOK || out["shifted"] != float64(3) {
		t.Fatalf("update = %d %v", code, out)
	}

	code, out = do(t, e, http.MethodPost, "/delete_patient/"+jsonNum(float64(start.PatientID)), "", nil)
	if code != http.StatusOK || out["uid"] != start.PatientUID {
		t.Fatalf("delete = %d %v", code, out)
	}
	code, out = do(t, e, http.MethodGet, "/api/get_all_data", "", nil)
	deleted := out["deleted"].([]any)
	if code != http.StatusOK || len(deleted) != 1 || deleted[0] != start.PatientUID {
		t.Fatalf("pull after delete = %d %v", code, out)
	}

	code, out = do(t, e, http.MethodGet, "/api/regimens", "", nil)
	if code != http.StatusOK || out["regimens"].(map[string]any)["RR"] == nil {
		t.Fatalf("regimens = %d %v", code, out)
	}
}

func TestPairingAndTeams(t *testing.T) {
	e := newServer(t)

	if code, _ := do(t, e, http.MethodPost, "/api/devices/pair", `{"device_id": "tab-1", "pairing_secret": "wrong"}`, nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret = %d", code)
	}
	code, out := do(t, e, http.MethodPost, "/api/devices/pair", `{"device_id": "tab-1", "pairing_secret": "letmein"}`, nil)
	if code != http.StatusOK {
		t.Fatalf("pair = %d %v", code, out)
	}
	bearer := map[string]string{"Authorization": "Bearer " + out["token"].(string)}

	if code, _ := do(t, e, http.MethodGet, "/api/teams/list", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous team list = %d", code)
	}
	code, out = do(t, e, http.MethodPost, "/api/teams/create", `{"name": "North", "user_name": "Dr A"}`, bearer)
	if code != http.StatusCreated {
		t.Fatalf("create team = %d %v", code, out)
	}
	slug := out["team"].(map[string]any)["slug"].(string)
	if out["team_slug"] != slug || out["invite_code"] == "" {
		t.Fatalf("create team body = %v", out)
	}

	guest := map[string]string{middleware.DeviceHeader: "tab-2"}
	code, out = do(t, e, http.MethodPost, "/api/teams/join", `{"slug": "`+slug+`", "user_name": "Nurse"}`, guest)
	if code != http.StatusOK || out["message"] != "join request sent" || out["status"] != "PENDING" || out["team_name"] != "North" {
		t.Fatalf("join = %d %v", code, out)
	}
	memberID := out["membership"].(map[string]any)["id"].(float64)

	if code, _ := do(t, e, http.MethodGet, "/api/get_all_data?team="+slug, "", guest); code != http.StatusForbidden {
		t.Fatalf("pending pull = %d", code)
	}
	if code, _ := do(t, e, http.MethodPost, "/api/teams/approve", `{"member_id": `+jsonNum(memberID)+`, "action": "APPROVE"}`, guest); code != http.StatusForbidden {
		t.Fatalf("self approve = %d", code)
	}
	if code, out = do(t, e, http.MethodPost, "/api/teams/approve", `{"member_id": `+jsonNum(memberID)+`, "action": "APPROVE"}`, bearer); code != http.StatusOK {
		t.Fatalf("approve = %d %v", code, out)
	}
	if code, out = do(t, e, http.MethodGet, "/api/get_all_data?team="+slug, "", guest); code != http.StatusOK {
		t.Fatalf("approved pull = %d %v", code, out)
	}

	if code, _ := do(t, e, http.MethodPost, "/api/teams/disband", `{"slug": "`+slug+`"}`, guest); code != http.StatusForbidden {
		t.Fatalf("member disband = %d", code)
	}
	code, out = do(t, e, http.MethodPost, "/api/teams/disband", `{"slug": "`+slug+`"}`, bearer)
	if code != http.StatusOK {
		t.Fatalf("disband = %d %v", code, out)
	}
	code, out = do(t, e, http.MethodGet, "/api/get_all_data", "", nil)
	if deleted := out["deleted"].([]any); code != http.StatusOK || len(deleted) != 1 || deleted[0] != "team:"+slug {
		t.Fatalf("pull after disband = %d %v", code, out)
	}
}
