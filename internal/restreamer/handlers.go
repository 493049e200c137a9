package restreamer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/dbvideostriketeam/wubloader/internal/bustime"
	"github.com/dbvideostriketeam/wubloader/internal/cut"
	"github.com/dbvideostriketeam/wubloader/internal/httpserver"
	"github.com/dbvideostriketeam/wubloader/internal/models"
	"github.com/dbvideostriketeam/wubloader/internal/observability"
	"github.com/dbvideostriketeam/wubloader/internal/repository"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

func (r *Restreamer) registerRoutes(version string) {
	api := r.server.API()
	router := r.server.Router()

	httpserver.NewHealthHandler(component, version).Register(api)

	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      http.MethodGet,
		Path:        "/files",
		Summary:     "List archived channels",
		Tags:        []string{"Archive"},
	}, r.listChannels)

	huma.Register(api, huma.Operation{
		OperationID: "listQualities",
		Method:      http.MethodGet,
		Path:        "/files/{channel}",
		Summary:     "List qualities for a channel",
		Tags:        []string{"Archive"},
	}, r.listQualities)

	huma.Register(api, huma.Operation{
		OperationID: "listHours",
		Method:      http.MethodGet,
		Path:        "/files/{channel}/{quality}",
		Summary:     "List hour buckets present for a channel and quality",
		Tags:        []string{"Archive"},
	}, r.listHours)

	huma.Register(api, huma.Operation{
		OperationID: "listSegments",
		Method:      http.MethodGet,
		Path:        "/files/{channel}/{quality}/{hour}",
		Summary:     "List segments in an hour bucket",
		Description: "A missing hour returns an empty list, not an error.",
		Tags:        []string{"Archive"},
	}, r.listSegments)

	if r.events != nil {
		huma.Register(api, huma.Operation{
			OperationID: "resetEvent",
			Method:      http.MethodPost,
			Path:        "/events/{id}/reset",
			Summary:     "Operator reset of a stuck event row",
			Description: "Moves a CLAIMED or FINALIZING row back to EDITED or UNEDITED after inspection, or cancels an EDITED row back to UNEDITED.",
			Tags:        []string{"Admin"},
		}, r.resetEvent)
	}

	// Streaming endpoints bypass huma: their bodies are video, images
	// or playlists, produced incrementally.
	router.Get("/segments/{channel}/{quality}/{hour}/{name}", r.serveSegment)
	router.Get("/playlist/{channel}.m3u8", r.servePlaylist)
	router.Get("/cut/{channel}/{quality}.ts", r.serveCutQuery)
	router.Post("/cut/{channel}/{quality}", r.serveCutBody)
	router.Get("/frame/{channel}/{quality}.png", r.serveFrame)
	router.Get("/waveform/{channel}/{quality}.png", r.serveWaveform)
	router.Get("/extras/{dir}", r.listExtras)
	router.Get("/extras/{dir}/*", r.serveExtra)
}

// --- listings ---

type channelsOutput struct {
	Body struct {
		Channels []string `json:"channels"`
	}
}

func (r *Restreamer) listChannels(ctx context.Context, _ *struct{}) (*channelsOutput, error) {
	channels, err := r.store.Channels()
	if err != nil {
		return nil, huma.Error500InternalServerError("listing channels", err)
	}
	out := &channelsOutput{}
	out.Body.Channels = channels
	return out, nil
}

type qualitiesInput struct {
	Channel string `path:"channel"`
}

type qualitiesOutput struct {
	Body struct {
		Qualities []string `json:"qualities"`
	}
}

func (r *Restreamer) listQualities(ctx context.Context, in *qualitiesInput) (*qualitiesOutput, error) {
	qualities, err := r.store.Qualities(in.Channel)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing qualities", err)
	}
	out := &qualitiesOutput{}
	out.Body.Qualities = qualities
	return out, nil
}

type hoursInput struct {
	Channel string `path:"channel"`
	Quality string `path:"quality"`
}

type hoursOutput struct {
	Body struct {
		Hours []string `json:"hours"`
	}
}

func (r *Restreamer) listHours(ctx context.Context, in *hoursInput) (*hoursOutput, error) {
	hours, err := r.store.Hours(in.Channel, in.Quality)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing hours", err)
	}
	out := &hoursOutput{}
	out.Body.Hours = hours
	return out, nil
}

// SegmentInfo is one archived segment in a listing.
type SegmentInfo struct {
	Name     string    `json:"name"`
	Start    time.Time `json:"start"`
	Duration float64   `json:"duration"`
	Type     string    `json:"type"`
	Hash     string    `json:"hash"`
}

type segmentsInput struct {
	Channel string `path:"channel"`
	Quality string `path:"quality"`
	Hour    string `path:"hour"`
}

type segmentsOutput struct {
	Body struct {
		Segments []SegmentInfo `json:"segments"`
	}
}

func (r *Restreamer) listSegments(ctx context.Context, in *segmentsInput) (*segmentsOutput, error) {
	segs, err := r.store.Segments(in.Channel, in.Quality, in.Hour)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing segments", err)
	}
	out := &segmentsOutput{}
	out.Body.Segments = make([]SegmentInfo, 0, len(segs))
	for _, seg := range segs {
		out.Body.Segments = append(out.Body.Segments, SegmentInfo{
			Name:     seg.Filename(),
			Start:    seg.Start,
			Duration: seg.Duration.Seconds(),
			Type:     string(seg.Type),
			Hash:     seg.Hash,
		})
	}
	return out, nil
}

// --- admin shim ---

type resetEventInput struct {
	ID   string `path:"id"`
	Body struct {
		// To is the target state, EDITED or UNEDITED.
		To string `json:"to" enum:"EDITED,UNEDITED"`
		// Error is recorded on the row for the postmortem.
		Error string `json:"error,omitempty"`
	}
}

type resetEventOutput struct {
	Body struct {
		State string `json:"state"`
	}
}

// resetEvent is the operator path out of a stuck CLAIMED or FINALIZING
// row. It is never automatic: FINALIZING in particular means the commit
// outcome is unknown and a human has to decide.
func (r *Restreamer) resetEvent(ctx context.Context, in *resetEventInput) (*resetEventOutput, error) {
	id, err := models.ParseULID(in.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid event id", err)
	}
	event, err := r.events.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("loading event", err)
	}
	if event == nil {
		return nil, huma.Error404NotFound("no such event")
	}
	to := models.EventState(in.Body.To)
	switch event.State {
	case models.StateClaimed, models.StateFinalizing:
	case models.StateEdited:
		// Cancelling an edit is the one reset of an unstuck row.
		if to != models.StateUnedited {
			return nil, huma.Error409Conflict("an EDITED row can only be reset to UNEDITED")
		}
	default:
		return nil, huma.Error409Conflict(fmt.Sprintf("event is %s, only CLAIMED, FINALIZING or EDITED rows can be reset", event.State))
	}

	// Clearing the uploader is what makes the row claimable again.
	updates := map[string]any{"error": in.Body.Error, "uploader": ""}
	if err := r.events.Transition(ctx, id, event.State, to, updates); err != nil {
		if errors.Is(err, repository.ErrWrongState) {
			return nil, huma.Error409Conflict("event moved while resetting, retry")
		}
		return nil, huma.Error500InternalServerError("resetting event", err)
	}
	observability.EventStateTransitions.WithLabelValues(string(event.State), string(to)).Inc()

	out := &resetEventOutput{}
	out.Body.State = string(to)
	return out, nil
}

// --- raw archive routes ---

func (r *Restreamer) serveSegment(w http.ResponseWriter, req *http.Request) {
	channel := chi.URLParam(req, "channel")
	quality := chi.URLParam(req, "quality")
	hour := chi.URLParam(req, "hour")
	name := chi.URLParam(req, "name")

	if _, err := segment.ParseName(channel, quality, hour, name); err != nil {
		http.Error(w, "not a segment name", http.StatusBadRequest)
		return
	}
	f, err := r.store.Open(channel, quality, hour, name)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, req)
			return
		}
		http.Error(w, "opening segment", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "video/MP2T")
	http.ServeContent(w, req, name, time.Time{}, f)
}

// parseTimeParam accepts RFC3339 with or without a zone (zoneless
// times are UTC), or, when node.bus_start is configured, a bustime
// like "12:34" or "-0:05:30".
func (r *Restreamer) parseTimeParam(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC(), nil
	}
	if start := r.cfg.BusStartTime(); !start.IsZero() {
		if bus, err := bustime.Parse(s); err == nil {
			return bustime.NewClock(start).Time(bus), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

// timeRangeFromQuery reads start/end; a missing start means one hour
// ago, a missing end means now.
func (r *Restreamer) timeRangeFromQuery(req *http.Request) (models.TimeRange, error) {
	now := time.Now().UTC()
	rng := models.TimeRange{Start: now.Add(-time.Hour), End: now}

	if s := req.URL.Query().Get("start"); s != "" {
		t, err := r.parseTimeParam(s)
		if err != nil {
			return rng, err
		}
		rng.Start = t
	}
	if s := req.URL.Query().Get("end"); s != "" {
		t, err := r.parseTimeParam(s)
		if err != nil {
			return rng, err
		}
		rng.End = t
	}
	if !rng.End.After(rng.Start) {
		return rng, fmt.Errorf("end must be after start")
	}
	return rng, nil
}

func (r *Restreamer) servePlaylist(w http.ResponseWriter, req *http.Request) {
	channel := chi.URLParam(req, "channel")
	quality := req.URL.Query().Get("quality")
	if quality == "" {
		quality = "source"
	}

	rng, err := r.timeRangeFromQuery(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	segs, err := r.store.SegmentsInRange(channel, quality, rng.Start, rng.End)
	if err != nil {
		http.Error(w, "listing segments", http.StatusInternalServerError)
		return
	}
	sel := segment.Select(segs, rng.Start, rng.End)

	body, err := synthesizePlaylist(sel)
	if err != nil {
		http.Error(w, "building playlist", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write(body)
}

// cutRequestFromQuery builds a cut from GET parameters. Repeated
// range=start,end pairs form a multi-range cut, with transition=
// values describing the joins between consecutive ranges; an empty
// transition value is a hard cut. Without any range, plain start/end
// select a single range.
func (r *Restreamer) cutRequestFromQuery(req *http.Request, channel, quality string) (*cut.Request, error) {
	q := req.URL.Query()

	var ranges models.TimeRangeList
	for _, s := range q["range"] {
		startStr, endStr, ok := strings.Cut(s, ",")
		if !ok {
			return nil, fmt.Errorf("range must be start,end: %q", s)
		}
		start, err := r.parseTimeParam(startStr)
		if err != nil {
			return nil, err
		}
		end, err := r.parseTimeParam(endStr)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, models.TimeRange{Start: start, End: end})
	}
	if len(ranges) == 0 {
		rng, err := r.timeRangeFromQuery(req)
		if err != nil {
			return nil, err
		}
		ranges = models.TimeRangeList{rng}
	}

	transitions := make(models.TransitionList, 0, len(ranges))
	for _, s := range q["transition"] {
		if s == "" {
			transitions = append(transitions, nil)
			continue
		}
		name, durStr, ok := strings.Cut(s, ",")
		if !ok {
			return nil, fmt.Errorf("transition must be type,duration: %q", s)
		}
		dur, err := strconv.ParseFloat(durStr, 64)
		if err != nil || dur <= 0 {
			return nil, fmt.Errorf("transition must be type,duration: %q", s)
		}
		transitions = append(transitions, &models.Transition{Type: name, Duration: dur})
	}
	// Unstated joins are hard cuts; surplus transitions are left for
	// Validate to refuse.
	for len(transitions) < len(ranges)-1 {
		transitions = append(transitions, nil)
	}

	typ := cut.TypeSmart
	if s := q.Get("type"); s != "" {
		var err error
		typ, err = cut.ParseType(s)
		if err != nil {
			return nil, err
		}
	}
	allowHoles, _ := strconv.ParseBool(q.Get("allow_holes"))
	return &cut.Request{
		Channel:     channel,
		Quality:     quality,
		Ranges:      ranges,
		Transitions: transitions,
		Type:        typ,
		AllowHoles:  allowHoles,
	}, nil
}

func (r *Restreamer) serveCutQuery(w http.ResponseWriter, req *http.Request) {
	channel := chi.URLParam(req, "channel")
	quality := chi.URLParam(req, "quality")

	cutReq, err := r.cutRequestFromQuery(req, channel, quality)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.executeCut(w, req, cutReq)
}

// cutBody is the JSON body of a POST cut: the full shape the cutter
// sends, including multiple ranges, transitions and crop.
type cutBody struct {
	Ranges      models.TimeRangeList  `json:"ranges"`
	Transitions models.TransitionList `json:"transitions"`
	Crop        *models.Crop          `json:"crop,omitempty"`
	Type        string                `json:"type"`
	AllowHoles  bool                  `json:"allow_holes"`
}

func (r *Restreamer) serveCutBody(w http.ResponseWriter, req *http.Request) {
	channel := chi.URLParam(req, "channel")
	quality := chi.URLParam(req, "quality")

	var body cutBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid cut body: "+err.Error(), http.StatusBadRequest)
		return
	}
	typ := cut.TypeSmart
	if body.Type != "" {
		var err error
		typ, err = cut.ParseType(body.Type)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	cutReq := &cut.Request{
		Channel:     channel,
		Quality:     quality,
		Ranges:      body.Ranges,
		Transitions: body.Transitions,
		Crop:        body.Crop,
		Type:        typ,
		AllowHoles:  body.AllowHoles,
	}
	r.executeCut(w, req, cutReq)
}

// executeCut validates up front so request errors still produce a 4xx,
// then streams. Failures after the first byte can only cut the
// connection; the status is already gone.
func (r *Restreamer) executeCut(w http.ResponseWriter, req *http.Request, cutReq *cut.Request) {
	disableWriteDeadline(w)
	if err := cutReq.Validate(); err != nil {
		observability.CutsStarted.WithLabelValues(string(cutReq.Type), "rejected").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", cutReq.Type.ContentType())
	err := r.engine.Cut(req.Context(), cutReq, w)
	switch {
	case err == nil:
		observability.CutsStarted.WithLabelValues(string(cutReq.Type), "ok").Inc()
	case isCutRequestError(err):
		observability.CutsStarted.WithLabelValues(string(cutReq.Type), "rejected").Inc()
		// Safe: nothing has been written when resolution fails.
		w.Header().Del("Content-Type")
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		observability.CutsStarted.WithLabelValues(string(cutReq.Type), "error").Inc()
		observability.WithError(r.logger, err).Error("cut failed",
			"channel", cutReq.Channel, "quality", cutReq.Quality, "type", string(cutReq.Type))
	}
}

// disableWriteDeadline lifts the server's write timeout for responses
// that stream an open-ended amount of media. Writers without deadlines
// (test recorders) report an error, which is fine to drop.
func disableWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}

func isCutRequestError(err error) bool {
	var reqErr *cut.RequestError
	var covErr *cut.CoverageError
	return errors.As(err, &reqErr) || errors.As(err, &covErr)
}

// --- extra dir mirroring ---

// extraDirAllowed restricts listings to the configured auxiliary
// directories; anything else under the base dir is not served.
func (r *Restreamer) extraDirAllowed(dir string) bool {
	return slices.Contains(r.cfg.Backfiller.ExtraDirs, dir)
}

func (r *Restreamer) listExtras(w http.ResponseWriter, req *http.Request) {
	dir := chi.URLParam(req, "dir")
	if !r.extraDirAllowed(dir) {
		http.NotFound(w, req)
		return
	}
	root := filepath.Join(r.store.Base(), dir)
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		http.Error(w, "listing files", http.StatusInternalServerError)
		return
	}
	slices.Sort(files)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"files": files})
}

func (r *Restreamer) serveExtra(w http.ResponseWriter, req *http.Request) {
	dir := chi.URLParam(req, "dir")
	if !r.extraDirAllowed(dir) {
		http.NotFound(w, req)
		return
	}
	rel := chi.URLParam(req, "*")
	clean := path.Clean("/" + rel)
	full := filepath.Join(r.store.Base(), dir, filepath.FromSlash(clean))

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, req)
			return
		}
		http.Error(w, "opening file", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		observability.WithError(r.logger, err).Debug("extra file stream interrupted")
	}
}
