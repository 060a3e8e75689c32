// Package server hosts the websocket command router and the HTTP
// surface around it. Every inbound frame is a JSON object with a cmd
// tag; the router dispatches it, shapes the reply, and fans telemetry
// out to operator consoles.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/your-org/facegate/internal/engine"
	"github.com/your-org/facegate/internal/enroll"
	"github.com/your-org/facegate/internal/gallery"
	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/internal/session"
	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/pkg/wire"
)

// staleLogAge is the cutoff past which a device log record is purged
// without running the pipeline.
const staleLogAge = 10 * time.Second

// Matcher is the recognition engine surface the router uses.
type Matcher interface {
	Match(imageB64 string) engine.MatchResult
	Embed(imageB64 string, checkLiveness bool) ([]float32, error)
	LastLiveness() *engine.LivenessResult
}

// EventFeed publishes scan and enrollment events for downstream
// consumers. Optional; nil disables it.
type EventFeed interface {
	PublishScan(ctx context.Context, deviceSN string, v any) error
	PublishEnroll(ctx context.Context, deviceSN string, v any) error
}

// Archiver stores probe snapshots. Optional; nil disables it.
type Archiver interface {
	ArchiveScan(ctx context.Context, deviceSN string, unixNano int64, jpegData []byte) error
}

type Router struct {
	registry *session.Registry
	matcher  Matcher
	gal      *gallery.Gallery
	repo     storage.Repository
	enroll   *enroll.Controller
	feed     EventFeed
	archive  Archiver

	// readyChecks are extra backend probes run by the readiness
	// endpoint, keyed by the name reported on failure.
	readyChecks map[string]func(context.Context) error
}

func NewRouter(registry *session.Registry, matcher Matcher, gal *gallery.Gallery, repo storage.Repository, ctrl *enroll.Controller) *Router {
	return &Router{
		registry:    registry,
		matcher:     matcher,
		gal:         gal,
		repo:        repo,
		enroll:      ctrl,
		readyChecks: make(map[string]func(context.Context) error),
	}
}

// SetEventFeed wires the optional NATS feed.
func (r *Router) SetEventFeed(feed EventFeed) { r.feed = feed }

// SetArchiver wires the optional snapshot archive.
func (r *Router) SetArchiver(a Archiver) { r.archive = a }

// AddReadyCheck registers a backend probe for the readiness endpoint.
// Must be called before the server starts.
func (r *Router) AddReadyCheck(name string, check func(context.Context) error) {
	r.readyChecks[name] = check
}

func cloudTime() string {
	return time.Now().Format(wire.TimeFormat)
}

// Dispatch routes one inbound frame. Malformed frames are dropped
// silently; unknown commands are logged and ignored.
func (r *Router) Dispatch(ctx context.Context, s *session.Session, raw []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Cmd == "" {
		slog.Debug("dropping malformed frame", "session", s.ID)
		return
	}

	switch env.Cmd {
	case wire.CmdReg:
		r.handleReg(s, raw)
	case wire.CmdSendLog:
		r.handleSendLog(ctx, s, raw)
	case wire.CmdSendUser:
		r.handleSendUser(ctx, s, raw)
	case wire.CmdPing, wire.CmdAdminPing:
		r.handlePing(s, raw)
	case wire.CmdAdminHello:
		r.handleAdminHello(s)
	case wire.CmdAdminListDevices:
		r.handleListDevices(s)
	case wire.CmdAdminAddUser:
		r.handleAddUser(ctx, s, raw)
	case wire.CmdAdminDeleteUser:
		r.handleDeleteUser(ctx, s, raw)
	case wire.CmdAdminSetActive:
		r.handleSetActive(ctx, s, raw)
	case wire.CmdAdminGetUser:
		r.handleGetUser(s, raw)
	case wire.CmdAdminSearchByName:
		r.handleSearchByName(ctx, s, raw)
	default:
		slog.Warn("unknown command", "cmd", env.Cmd, "session", s.ID)
	}
}

// --- Device commands ---

func (r *Router) handleReg(s *session.Session, raw []byte) {
	var frame wire.RegFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.SN == "" {
		slog.Debug("dropping malformed reg frame", "session", s.ID)
		return
	}

	r.registry.RegisterDevice(frame.SN, s)
	_ = s.Send(regAck())
}

func regAck() wire.RegReply {
	return wire.RegReply{
		Ret:        wire.CmdReg,
		Result:     true,
		CloudTime:  cloudTime(),
		NoSendUser: false,
	}
}

func (r *Router) handleSendLog(ctx context.Context, s *session.Session, raw []byte) {
	var frame wire.SendLogFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Debug("dropping malformed sendlog frame", "session", s.ID)
		return
	}

	for _, rec := range frame.Record {
		r.handleLogRecord(ctx, s, frame.SN, rec)
	}
}

func (r *Router) handleLogRecord(ctx context.Context, s *session.Session, sn string, rec wire.LogRecord) {
	observability.ScansProcessed.WithLabelValues(sn).Inc()

	// Devices retry aggressively after connectivity gaps; anything
	// older than the cutoff is acknowledged and purged unprocessed.
	if t, err := time.ParseInLocation(wire.TimeFormat, rec.Time, time.Local); err != nil || time.Since(t) > staleLogAge {
		r.ackLog(s, 0, "Stale Record")
		_ = s.Send(wire.DeviceCommand{Cmd: wire.CmdCleanLog})
		return
	}

	msg := strings.ToLower(rec.Note.Msg)

	if strings.Contains(msg, "system boot") {
		r.ackLog(s, 0, "System Boot")
		return
	}

	if strings.Contains(msg, "fp verify fail") {
		r.ackLog(s, 0, "Fingerprint Unavailable")
		return
	}

	if _, pending := r.enroll.Pending(sn); pending {
		r.handleEnrollShot(ctx, s, sn, rec)
		return
	}

	if strings.Contains(msg, "face not found") && rec.Image != "" {
		r.handleRecognition(ctx, s, sn, rec)
		return
	}

	// Event-only record (door sensor, tamper, etc.): acknowledge.
	r.ackLog(s, 0, "OK")
}

func (r *Router) ackLog(s *session.Session, access int, message string) {
	_ = s.Send(wire.LogReply{
		Ret:       wire.CmdSendLog,
		Result:    true,
		Access:    access,
		Message:   message,
		CloudTime: cloudTime(),
	})
}

func (r *Router) handleEnrollShot(ctx context.Context, s *session.Session, sn string, rec wire.LogRecord) {
	outcome, p, err := r.enroll.HandleShot(ctx, sn, rec.Image)
	if err != nil {
		slog.Error("enrollment shot failed", "serial", sn, "error", err)
		r.ackLog(s, 0, "Enrollment Failed")
		return
	}

	switch outcome {
	case enroll.ShotTimedOut:
		observability.EnrollmentsAborted.Inc()
		slog.Info("enrollment timed out", "serial", sn, "enroll_id", p.EnrollID)
		_ = s.Send(wire.DeviceCommand{Cmd: wire.CmdCleanUser})
		_ = s.Send(wire.DeviceCommand{Cmd: wire.CmdCleanLog})
		r.ackLog(s, 0, "Enrollment Timeout")

	case enroll.ShotAccepted:
		r.ackLog(s, 0, "Scan Again")

	case enroll.ShotComplete:
		r.commitEnrollment(ctx, s, sn, p, rec.Image)

	default:
		r.ackLog(s, 0, "OK")
	}
}

func (r *Router) commitEnrollment(ctx context.Context, s *session.Session, sn string, p enroll.Pending, record string) {
	emb, err := r.matcher.Embed(record, false)
	if err != nil {
		slog.Warn("enrollment embed failed", "serial", sn, "enroll_id", p.EnrollID, "error", err)
		_ = s.Send(wire.DeviceCommand{Cmd: wire.CmdCleanUser})
		_ = s.Send(wire.DeviceCommand{Cmd: wire.CmdCleanLog})
		r.ackLog(s, 0, "Enrollment Failed")
		return
	}

	r.gal.Upsert(p.EnrollID, emb, p.Name, true)
	if err := r.repo.SetEmbedding(ctx, p.EnrollID, emb); err != nil {
		slog.Warn("persist embedding failed", "enroll_id", p.EnrollID, "error", err)
	}

	observability.EnrollmentsCompleted.Inc()
	slog.Info("enrollment complete", "serial", sn, "enroll_id", p.EnrollID, "name", p.Name)

	r.ackLog(s, 0, "Enrollment Complete")

	evt := wire.EnrollComplete{
		Ret:      wire.RetEnrollComplete,
		EnrollID: p.EnrollID,
		Username: p.Name,
		DeviceSN: sn,
	}
	r.registry.BroadcastToOperators(evt)

	if r.feed != nil {
		if err := r.feed.PublishEnroll(ctx, sn, evt); err != nil {
			slog.Warn("publish enroll event", "error", err)
		}
	}
}

func (r *Router) handleRecognition(ctx context.Context, s *session.Session, sn string, rec wire.LogRecord) {
	mr := r.matcher.Match(rec.Image)

	var access int
	var message string
	var userName string
	var isActive, hasFace bool

	if mr.Matched {
		if u, ok := r.gal.User(mr.EnrollID); ok {
			userName = u.Name
			isActive = u.IsActive
			hasFace = u.HasFace
			if u.IsActive {
				access = 1
				message = "Welcome " + u.Name
				observability.ScansMatched.WithLabelValues(sn).Inc()
				observability.AccessGranted.WithLabelValues(sn).Inc()

				if inserted, err := r.repo.LogAttendance(ctx, mr.EnrollID, sn, time.Now()); err != nil {
					slog.Error("log attendance", "enroll_id", mr.EnrollID, "error", err)
				} else if inserted {
					observability.AttendanceRecorded.Inc()
				}
			} else {
				message = "User inactive: " + u.Name
			}
		} else {
			// Matched an embedding the reconciler just evicted.
			mr.Matched = false
			message = "Access Denied"
		}
	} else {
		message = "Access Denied"
	}

	_ = s.Send(wire.LogReply{
		Ret:       wire.CmdSendLog,
		Result:    true,
		Access:    access,
		Message:   message,
		CloudTime: cloudTime(),
	})

	scan := wire.LiveScan{
		Ret:        wire.RetLiveScan,
		DeviceSN:   sn,
		DeviceIP:   s.RemoteAddr,
		Time:       cloudTime(),
		Matched:    mr.Matched,
		MatchScore: mr.Score,
		EnrollID:   mr.EnrollID,
		UserName:   userName,
		IsActive:   isActive,
		HasFace:    hasFace,
	}
	if lv := r.matcher.LastLiveness(); lv != nil {
		scan.Liveness = &wire.Liveness{Score: lv.Score, Prob: lv.Prob, TimeMs: lv.TimeMs}
	}
	r.registry.BroadcastToOperators(scan)

	if r.feed != nil {
		if err := r.feed.PublishScan(ctx, sn, scan); err != nil {
			slog.Warn("publish scan event", "error", err)
		}
	}

	if r.archive != nil {
		if data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rec.Image)); err == nil {
			if err := r.archive.ArchiveScan(ctx, sn, time.Now().UnixNano(), data); err != nil {
				slog.Warn("archive scan snapshot", "error", err)
			}
		}
	}
}

// handleSendUser is the legacy device-driven enrollment path. The
// device-sent enrollid is deliberately ignored: ids are never reused
// and devices have been observed replaying stale ones, so the server
// always allocates a fresh id.
func (r *Router) handleSendUser(ctx context.Context, s *session.Session, raw []byte) {
	var frame wire.SendUserFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Debug("dropping malformed senduser frame", "session", s.ID)
		return
	}

	fail := func(msg string) {
		_ = s.Send(wire.SendUserReply{Ret: wire.CmdSendUser, Result: false, Error: msg})
	}

	if frame.BackupNum != wire.BackupNumFace {
		// Non-face slots (cards, fingerprints) are stored verbatim under
		// the device-sent id.
		if err := r.repo.UpsertUser(ctx, storage.UserRecord{
			EnrollID:  frame.EnrollID,
			Name:      frame.Name,
			BackupNum: frame.BackupNum,
			IsAdmin:   frame.Admin != 0,
			Record:    frame.Record,
		}); err != nil {
			slog.Error("store backup slot", "enroll_id", frame.EnrollID, "error", err)
			fail("store failed")
			return
		}
		_ = s.Send(wire.SendUserReply{Ret: wire.CmdSendUser, Result: true, EnrollID: frame.EnrollID})
		return
	}

	if frame.Record == "" {
		fail("empty face record")
		return
	}

	id, err := r.repo.NextEnrollID(ctx)
	if err != nil {
		slog.Error("allocate enroll id", "error", err)
		fail("id allocation failed")
		return
	}

	if err := r.repo.UpsertUser(ctx, storage.UserRecord{
		EnrollID:  id,
		Name:      frame.Name,
		BackupNum: wire.BackupNumFace,
		IsAdmin:   frame.Admin != 0,
		Record:    frame.Record,
	}); err != nil {
		slog.Error("store face record", "enroll_id", id, "error", err)
		fail("store failed")
		return
	}

	emb, err := r.matcher.Embed(frame.Record, false)
	if err != nil {
		slog.Warn("legacy enrollment embed failed", "enroll_id", id, "error", err)
		fail("no usable face in record")
		return
	}

	r.gal.Upsert(id, emb, frame.Name, true)
	if err := r.repo.SetEmbedding(ctx, id, emb); err != nil {
		slog.Warn("persist embedding failed", "enroll_id", id, "error", err)
	}

	_ = s.Send(wire.SendUserReply{Ret: wire.CmdSendUser, Result: true, EnrollID: id})
}

func (r *Router) handlePing(s *session.Session, raw []byte) {
	var frame wire.PingFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	_ = s.Send(wire.PongReply{Ret: "pong", Result: true, TS: frame.TS})
}

// --- Operator commands ---

func (r *Router) handleAdminHello(s *session.Session) {
	r.registry.RegisterOperator(s)
	_ = s.Send(wire.AdminHelloReply{
		Ret:        wire.CmdAdminHello,
		Result:     true,
		Message:    "facegate ready",
		ServerTime: cloudTime(),
	})

	// Re-ack every connected device. Terminals treat the ack as proof
	// their registration is still current after a console reconnect.
	for _, dev := range r.registry.DeviceSessions() {
		_ = dev.Send(regAck())
	}
}

func (r *Router) handleListDevices(s *session.Session) {
	serials := r.registry.DeviceSerials()
	if serials == nil {
		serials = []string{}
	}
	_ = s.Send(wire.DeviceListReply{
		Ret:     wire.CmdAdminListDevices,
		Result:  true,
		Devices: serials,
	})
}

func (r *Router) handleAddUser(ctx context.Context, s *session.Session, raw []byte) {
	var frame wire.AdminAddUserFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Debug("dropping malformed admin_add_user frame", "session", s.ID)
		return
	}

	fail := func(msg string) {
		_ = s.Send(wire.AdminAddUserReply{Ret: wire.CmdAdminAddUser, Result: false, Error: msg})
	}

	if frame.DeviceSN == "" || frame.Name == "" {
		fail("deviceSn and name are required")
		return
	}

	id, err := r.repo.NextEnrollID(ctx)
	if err != nil {
		slog.Error("allocate enroll id", "error", err)
		fail("id allocation failed")
		return
	}

	if err := r.enroll.Start(ctx, frame.DeviceSN, id, frame.Name, frame.IsAdmin != 0); err != nil {
		slog.Info("enrollment start rejected", "serial", frame.DeviceSN, "error", err)
		fail(err.Error())
		return
	}

	slog.Info("enrollment started", "serial", frame.DeviceSN, "enroll_id", id, "name", frame.Name)

	_ = s.Send(wire.AdminAddUserReply{
		Ret:      wire.CmdAdminAddUser,
		Result:   true,
		EnrollID: id,
		DeviceSN: frame.DeviceSN,
		Name:     frame.Name,
	})
}

func (r *Router) handleDeleteUser(ctx context.Context, s *session.Session, raw []byte) {
	var frame wire.AdminUserFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	if err := r.repo.DeleteUser(ctx, frame.EnrollID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = s.Send(wire.AdminReply{Ret: wire.CmdAdminDeleteUser, Result: false, Error: "user not found"})
			return
		}
		slog.Error("delete user", "enroll_id", frame.EnrollID, "error", err)
		_ = s.Send(wire.AdminReply{Ret: wire.CmdAdminDeleteUser, Result: false, Error: "store failed"})
		return
	}

	r.gal.Remove(frame.EnrollID)
	slog.Info("user deleted", "enroll_id", frame.EnrollID)
	_ = s.Send(wire.AdminReply{Ret: wire.CmdAdminDeleteUser, Result: true})
}

func (r *Router) handleSetActive(ctx context.Context, s *session.Session, raw []byte) {
	var frame wire.AdminUserFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	if err := r.repo.SetUserActive(ctx, frame.EnrollID, frame.Active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = s.Send(wire.AdminReply{Ret: wire.CmdAdminSetActive, Result: false, Error: "user not found"})
			return
		}
		slog.Error("set user active", "enroll_id", frame.EnrollID, "error", err)
		_ = s.Send(wire.AdminReply{Ret: wire.CmdAdminSetActive, Result: false, Error: "store failed"})
		return
	}

	r.gal.SetActive(frame.EnrollID, frame.Active)
	slog.Info("user active flag set", "enroll_id", frame.EnrollID, "active", frame.Active)
	_ = s.Send(wire.AdminReply{Ret: wire.CmdAdminSetActive, Result: true})
}

func (r *Router) handleGetUser(s *session.Session, raw []byte) {
	var frame wire.AdminUserFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	u, ok := r.gal.User(frame.EnrollID)
	if !ok {
		_ = s.Send(wire.UserInfoReply{Ret: wire.CmdAdminGetUser, Result: false, Error: "user not found"})
		return
	}

	_ = s.Send(wire.UserInfoReply{
		Ret:      wire.CmdAdminGetUser,
		Result:   true,
		EnrollID: u.EnrollID,
		Name:     u.Name,
		IsActive: u.IsActive,
		HasFace:  u.HasFace,
	})
}

func (r *Router) handleSearchByName(ctx context.Context, s *session.Session, raw []byte) {
	var frame wire.AdminSearchFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	rows, err := r.repo.SearchUsersByName(ctx, frame.Name)
	if err != nil {
		slog.Error("search users", "fragment", frame.Name, "error", err)
		_ = s.Send(wire.SearchReply{Ret: wire.CmdAdminSearchByName, Result: false, Users: []wire.UserSummary{}})
		return
	}

	users := make([]wire.UserSummary, 0, len(rows))
	for _, row := range rows {
		users = append(users, wire.UserSummary{EnrollID: row.EnrollID, Name: row.Name, IsActive: row.IsActive})
	}

	_ = s.Send(wire.SearchReply{Ret: wire.CmdAdminSearchByName, Result: true, Users: users})
}
