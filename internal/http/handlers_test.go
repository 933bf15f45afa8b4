package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/geofence"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/search"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.GeoPoint{Lat: 18.4861, Lon: -69.9312}

type harness struct {
	srv    *httptest.Server
	api    *Server
	pool   *geo.Index
	trips  *storage.MemoryStore
	offers chan models.Offer
}

// newHarness wires the API with in-memory collaborators. Offers for drivers
// without a websocket land on h.offers through a fake push provider.
func newHarness(t *testing.T, responseTimeout time.Duration, opts ...func(*Deps)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{offers: make(chan models.Offer, 16)}

	push := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Offer models.Offer `json:"offer"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.offers <- body.Offer
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(push.Close)

	h.pool = geo.NewIndex(20)
	h.trips = storage.NewMemoryStore()
	blocklist := storage.NewMemoryBlocklist()
	broker := dispatch.NewBroker()
	ws := dispatch.NewWSRegistry(broker, logger)
	gw := dispatch.NewGateway(broker, ws, dispatch.NewPushDispatcher(push.URL), logger)

	searcher, err := search.New(h.pool, []float64{1, 2, 3}, 0, time.Minute, logger)
	if err != nil {
		t.Fatal(err)
	}
	svc := matcher.NewService(searcher, blocklist, gw, h.trips, logger)
	svc.ExpandDelay = 0
	svc.ResponseTimeout = responseTimeout

	catalog, err := geofence.NewCatalog(geofence.DefaultZones())
	if err != nil {
		t.Fatal(err)
	}
	eval := geofence.NewEvaluator(catalog, nil, time.UTC)
	history := storage.NewMemoryHistory(100)
	router := geofence.NewRouter(eval, history, 2, 4, logger)
	router.Start(context.Background())
	t.Cleanup(router.Close)

	deps := Deps{
		Pool:      h.pool,
		Matcher:   svc,
		Trips:     h.trips,
		Blocklist: blocklist,
		Broker:    broker,
		WSReg:     ws,
		Geofences: router,
		Evaluator: eval,
		History:   history,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.api = NewServer(context.Background(), deps, logger)
	h.srv = httptest.NewServer(h.api)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func (h *harness) addDriver(t *testing.T, id string, km float64) {
	t.Helper()
	d := models.Driver{ID: id, Loc: geo.OffsetNorth(pickup, km), Rating: 4.8, AcceptanceRate: 0.9, CompletedTrips: 200}
	if resp := h.do(t, http.MethodPost, "/internal/driver/locations", d); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("location update: %d", resp.StatusCode)
	}
}

func dispatchBody() map[string]any {
	return map[string]any{"rider_id": "rider-1", "pickup": pickup}
}

func TestDispatchOverWebsocket(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	h.addDriver(t, "d1", 0.5)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/d1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	deadline := time.Now().Add(time.Second)
	for !h.api.WSReg.Connected("d1") {
		if time.Now().After(deadline) {
			t.Fatal("websocket session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var wg sync.WaitGroup
	var out matcher.Outcome
	var status int
	body, _ := json.Marshal(dispatchBody())
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := http.Post(h.srv.URL+"/api/v1/trips/trip-ws/dispatch?wait=true", "application/json", bytes.NewReader(body))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}()

	var offer models.Offer
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&offer); err != nil {
		t.Fatal(err)
	}
	if offer.Trip.TripID != "trip-ws" || offer.DriverID != "d1" {
		t.Fatalf("unexpected offer %+v", offer)
	}
	if err := conn.WriteJSON(models.OfferReply{RequestID: offer.RequestID, Accepted: true}); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if status != http.StatusOK || out.Status != matcher.StatusMatched || out.Driver == nil || out.Driver.ID != "d1" {
		t.Fatalf("unexpected outcome %d %+v", status, out)
	}
	rec, err := h.trips.GetTrip(context.Background(), "trip-ws")
	if err != nil || rec.Status != storage.TripAssigned || rec.DriverID != "d1" {
		t.Fatalf("trip not assigned: %+v %v", rec, err)
	}
}

func TestDispatchOverPushWithHTTPResponse(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	h.addDriver(t, "near", 0.3)
	h.addDriver(t, "far", 1.5)

	if resp := h.do(t, http.MethodPost, "/api/v1/trips/trip-push/dispatch", dispatchBody()); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start dispatch: %d", resp.StatusCode)
	}

	first := <-h.offers
	if first.DriverID != "near" {
		t.Fatalf("expected nearest driver first, got %s", first.DriverID)
	}
	reject := map[string]any{"request_id": first.RequestID, "driver_id": "near", "accepted": false}
	if resp := h.do(t, http.MethodPost, "/api/v1/dispatch/responses", reject); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reject: %d", resp.StatusCode)
	}

	second := <-h.offers
	if second.DriverID != "far" {
		t.Fatalf("expected far driver after rejection, got %s", second.DriverID)
	}
	wrong := map[string]any{"request_id": second.RequestID, "driver_id": "near", "accepted": true}
	if resp := h.do(t, http.MethodPost, "/api/v1/dispatch/responses", wrong); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for another driver's request, got %d", resp.StatusCode)
	}
	accept := map[string]any{"request_id": second.RequestID, "driver_id": "far", "accepted": true}
	if resp := h.do(t, http.MethodPost, "/api/v1/dispatch/responses", accept); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("accept: %d", resp.StatusCode)
	}

	sess, _ := h.api.Sessions.Get("trip-push")
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	view := decode[matcher.View](t, h.do(t, http.MethodGet, "/api/v1/trips/trip-push/dispatch", nil))
	if view.Outcome == nil || view.Outcome.Status != matcher.StatusMatched || view.Outcome.Driver.ID != "far" || view.Outcome.Rejections != 1 {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Outcome.RadiusKm != 2 {
		t.Fatalf("expected match at 2 km, got %v", view.Outcome.RadiusKm)
	}
}

func TestDispatchConflictAndCancel(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "slow", 0.2)

	if resp := h.do(t, http.MethodPost, "/api/v1/trips/trip-c/dispatch", dispatchBody()); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start dispatch: %d", resp.StatusCode)
	}
	<-h.offers
	if resp := h.do(t, http.MethodPost, "/api/v1/trips/trip-c/dispatch", dispatchBody()); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	resp := h.do(t, http.MethodDelete, "/api/v1/trips/trip-c/dispatch", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d", resp.StatusCode)
	}
	view := decode[matcher.View](t, resp)
	if view.Status != matcher.StatusCancelled || view.Outcome == nil || view.Outcome.Reason != matcher.ReasonCancelled {
		t.Fatalf("unexpected view %+v", view)
	}
	rec, _ := h.trips.GetTrip(context.Background(), "trip-c")
	if rec.Status != storage.TripFailed || rec.Reason != matcher.ReasonCancelled {
		t.Fatalf("trip not failed: %+v", rec)
	}
}

func TestDispatchRespectsBlocklist(t *testing.T) {
	h := newHarness(t, time.Second)
	h.addDriver(t, "blocked", 0.2)
	if resp := h.do(t, http.MethodPut, "/api/v1/riders/rider-1/blocked/blocked", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("block: %d", resp.StatusCode)
	}
	resp := h.do(t, http.MethodPost, "/api/v1/trips/trip-b/dispatch?wait=true", dispatchBody())
	out := decode[matcher.Outcome](t, resp)
	if out.Status != matcher.StatusExhausted || out.Reason != matcher.ReasonNoDrivers || out.Attempts != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	select {
	case o := <-h.offers:
		t.Fatalf("blocked driver was offered %+v", o)
	default:
	}
}

func TestDispatchValidation(t *testing.T) {
	h := newHarness(t, time.Second)
	if resp := h.do(t, http.MethodPost, "/api/v1/trips/t/dispatch", map[string]any{"rider_id": "r"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without pickup, got %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodGet, "/api/v1/trips/unknown/dispatch", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	unknown := map[string]any{"request_id": "nope", "driver_id": "d", "accepted": true}
	if resp := h.do(t, http.MethodPost, "/api/v1/dispatch/responses", unknown); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown request, got %d", resp.StatusCode)
	}
}

func TestGeofenceCheckAndHistory(t *testing.T) {
	h := newHarness(t, time.Second)
	airport := geofence.DefaultZones()[0].Center
	body := map[string]any{"entity_id": "rider-7", "entity_type": "rider", "lat": airport.Lat, "lon": airport.Lon}

	resp := h.do(t, http.MethodPost, "/api/v1/geofencing/check", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check: %d", resp.StatusCode)
	}
	sum := decode[geofence.Summary](t, resp)
	if sum.TotalSurcharge != 200 || len(sum.Events) != 1 || sum.Events[0].Action != geofence.ActionEnter {
		t.Fatalf("unexpected summary %+v", sum)
	}
	// the airport lies outside the service area
	if sum.PickupAllowed {
		t.Fatalf("pickup should not be allowed outside the service area")
	}

	again := decode[geofence.Summary](t, h.do(t, http.MethodPost, "/api/v1/geofencing/check", body))
	if len(again.Events) != 0 || again.TotalSurcharge != 200 {
		t.Fatalf("repeat check must not emit, got %+v", again)
	}

	events := decode[struct {
		Count  int              `json:"count"`
		Events []geofence.Event `json:"events"`
	}](t, h.do(t, http.MethodGet, "/api/v1/geofencing/events?entity_id=rider-7", nil))
	if events.Count != 1 || events.Events[0].Surcharge() != 200 {
		t.Fatalf("unexpected history %+v", events)
	}

	st := decode[geofence.EntityStatus](t, h.do(t, http.MethodGet, "/api/v1/geofencing/status/rider-7", nil))
	if len(st.Zones) != 1 || st.Zones[0].ID != "gf_airport" {
		t.Fatalf("unexpected status %+v", st)
	}
	if resp := h.do(t, http.MethodGet, "/api/v1/geofencing/status/ghost", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown entity, got %d", resp.StatusCode)
	}
}

func TestGeofenceCheckValidation(t *testing.T) {
	h := newHarness(t, time.Second)
	for _, body := range []map[string]any{
		{"entity_id": "x", "lat": 18.4},
		{"lat": 18.4, "lon": -69.9},
		{"entity_id": "x", "entity_type": "boat", "lat": 18.4, "lon": -69.9},
		{"entity_id": "x", "lat": 95, "lon": -69.9},
	} {
		if resp := h.do(t, http.MethodPost, "/api/v1/geofencing/check", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d", body, resp.StatusCode)
		}
	}
}

func TestGeofenceAdministration(t *testing.T) {
	h := newHarness(t, time.Second)
	active := decode[struct {
		Count int `json:"count"`
	}](t, h.do(t, http.MethodGet, "/api/v1/geofencing/active", nil))
	if active.Count != 4 {
		t.Fatalf("expected 4 active defaults, got %d", active.Count)
	}

	toggled := decode[struct {
		Geofence struct {
			Active bool `json:"active"`
		} `json:"geofence"`
	}](t, h.do(t, http.MethodPut, "/api/v1/geofencing/toggle/gf_event", nil))
	if !toggled.Geofence.Active {
		t.Fatal("expected gf_event to be activated")
	}
	if resp := h.do(t, http.MethodPut, "/api/v1/geofencing/toggle/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	missing := map[string]any{"name": "Mall", "type": "surcharge", "radius_km": 1}
	if resp := h.do(t, http.MethodPost, "/api/v1/geofencing/create", missing); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without center, got %d", resp.StatusCode)
	}
	valid := map[string]any{"name": "Mall", "type": "surcharge", "center": map[string]float64{"lat": 18.47, "lon": -69.94}, "radius_km": 0.5}
	resp := h.do(t, http.MethodPost, "/api/v1/geofencing/create", valid)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	created := decode[struct {
		Geofence geofence.Geofence `json:"geofence"`
	}](t, resp)
	if created.Geofence.ID == "" || created.Geofence.OnEnter.Notification != "Entering Mall" || !created.Geofence.Active {
		t.Fatalf("unexpected geofence %+v", created.Geofence)
	}
}

type failingGeofenceStore struct{}

func (failingGeofenceStore) Save(context.Context, geofence.Geofence) error {
	return errors.New("disk full")
}

func (failingGeofenceStore) SetActive(context.Context, string, bool) error {
	return errors.New("disk full")
}

func TestGeofenceEditsRollBackWhenNotSaved(t *testing.T) {
	h := newHarness(t, time.Second, func(d *Deps) { d.GeofenceStore = failingGeofenceStore{} })
	catalog := h.api.Evaluator.Catalog()

	if resp := h.do(t, http.MethodPut, "/api/v1/geofencing/toggle/gf_airport", nil); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the toggle is not saved, got %d", resp.StatusCode)
	}
	if g, err := catalog.Get("gf_airport"); err != nil || !g.Active {
		t.Fatalf("toggle should be rolled back: %+v %v", g, err)
	}

	before := len(catalog.Snapshot())
	valid := map[string]any{"name": "Mall", "type": "surcharge", "center": map[string]float64{"lat": 18.47, "lon": -69.94}, "radius_km": 0.5}
	if resp := h.do(t, http.MethodPost, "/api/v1/geofencing/create", valid); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the geofence is not saved, got %d", resp.StatusCode)
	}
	if got := len(catalog.Snapshot()); got != before {
		t.Fatalf("create should be rolled back, catalog has %d fences, want %d", got, before)
	}
}

func TestMiddlewareSetsRequestID(t *testing.T) {
	h := newHarness(t, time.Second)
	resp := h.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("unexpected healthz %d %v", resp.StatusCode, resp.Header)
	}
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/ready", nil)
	req.Header.Set("X-Request-ID", "abc")
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Body.Close()
	if r2.Header.Get("X-Request-ID") != "abc" {
		t.Fatalf("request id not propagated: %v", r2.Header)
	}
}
