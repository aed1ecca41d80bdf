package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/task"
)

// Listener offsets relative to the base address.
const (
	resultsOffset    = 4
	managementOffset = 5
)

// Server exposes a Coordinator over the six-listener port convention:
// base+0..3 accept submits for one priority tier each, base+4 serves result
// queries and the status snapshot, base+5 serves executor management.
//
// Binding any listener is a fatal startup condition; the coordinator never
// runs with a partial surface.
type Server struct {
	coord  *Coordinator
	format task.Format
	base   string

	servers   []*http.Server
	listeners []net.Listener
}

// NewServer wraps a coordinator for serving at its configured base address.
func NewServer(c *Coordinator) *Server {
	return &Server{
		coord:  c,
		format: c.opts.Format,
		base:   c.opts.BaseAddr,
	}
}

// Start binds all six listeners and begins serving. It fails fast — if any
// bind fails, previously bound listeners are closed and the error is
// returned for the process to abort on.
func (s *Server) Start() error {
	type spec struct {
		offset  int
		handler http.Handler
	}

	specs := make([]spec, 0, 6)
	for _, p := range task.Priorities {
		specs = append(specs, spec{p.Offset(), s.submitHandler(p)})
	}
	specs = append(specs,
		spec{resultsOffset, s.resultsHandler()},
		spec{managementOffset, s.managementHandler()},
	)

	for _, sp := range specs {
		addr, err := cluster.OffsetAddr(s.base, sp.offset)
		if err != nil {
			s.closeAll()
			return err
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeAll()
			return fmt.Errorf("bind %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)

		srv := &http.Server{
			Handler:           sp.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)

		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Errorw("listener failed", "addr", ln.Addr(), "err", err)
			}
		}(srv, ln)
	}

	log.Infow("coordinator listening", "base", s.base,
		"submit_ports", "base+0..3", "results_port", "base+4", "management_port", "base+5")
	return nil
}

// Stop shuts down every listener, aggregating failures.
func (s *Server) Stop(ctx context.Context) error {
	var errs *multierror.Error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *Server) closeAll() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
	s.servers = nil
}

// submitHandler serves one priority tier's submit listener. The port
// implies the tier, so a task whose own priority disagrees is rejected
// rather than silently requeued.
func (s *Server) submitHandler(p task.Priority) http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req cluster.SubmitRequest
		if err := cluster.ReadMsg(r, &req); err != nil {
			cluster.WriteError(w, s.format, http.StatusBadRequest, err)
			return
		}
		if req.Task == nil {
			cluster.WriteError(w, s.format, http.StatusBadRequest, errors.New("missing task"))
			return
		}
		if req.Task.Priority != p {
			cluster.WriteError(w, s.format, http.StatusBadRequest,
				fmt.Errorf("task priority %q does not match %s submit port", req.Task.Priority, p))
			return
		}

		id, err := s.coord.Submit(req.Task)
		if err != nil {
			cluster.WriteError(w, s.format, http.StatusBadRequest, err)
			return
		}
		cluster.WriteMsg(w, s.format, http.StatusOK, cluster.SubmitResponse{TaskID: id})
	})
	return m
}

// resultsHandler serves result queries and the status snapshot.
func (s *Server) resultsHandler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/results/{task_id}", func(w http.ResponseWriter, req *http.Request) {
		taskID := mux.Vars(req)["task_id"]
		rec, ok := s.coord.GetResult(taskID)
		if !ok {
			// A miss is not an error: unknown, expired, or not yet done.
			cluster.WriteMsg(w, s.format, http.StatusNotFound, cluster.ResultResponse{Found: false})
			return
		}
		cluster.WriteMsg(w, s.format, http.StatusOK, cluster.ResultResponse{Found: true, Record: rec})
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		cluster.WriteMsg(w, s.format, http.StatusOK, s.coord.Status())
	}).Methods(http.MethodGet)

	return r
}

// managementHandler serves executor registration, heartbeats, result
// reports and deregistration notices.
func (s *Server) managementHandler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/register", func(w http.ResponseWriter, req *http.Request) {
		var reg cluster.RegisterRequest
		if err := cluster.ReadMsg(req, &reg); err != nil {
			cluster.WriteError(w, s.format, http.StatusBadRequest, err)
			return
		}
		if err := s.coord.RegisterExecutor(reg.WorkerID, reg.Address); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrRegistrationConflict) {
				status = http.StatusConflict
			}
			cluster.WriteError(w, s.format, status, err)
			return
		}
		cluster.WriteMsg(w, s.format, http.StatusOK, cluster.RegisterResponse{
			Status:   "registered",
			WorkerID: reg.WorkerID,
		})
	}).Methods(http.MethodPost)

	r.HandleFunc("/heartbeat", func(w http.ResponseWriter, req *http.Request) {
		var hb cluster.HeartbeatRequest
		if err := cluster.ReadMsg(req, &hb); err != nil {
			cluster.WriteError(w, s.format, http.StatusBadRequest, err)
			return
		}
		if err := s.coord.Heartbeat(hb.WorkerID, hb.Load); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrUnknownWorker) {
				status = http.StatusNotFound
			}
			cluster.WriteError(w, s.format, status, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	r.HandleFunc("/report", func(w http.ResponseWriter, req *http.Request) {
		var rep cluster.ReportRequest
		if err := cluster.ReadMsg(req, &rep); err != nil {
			cluster.WriteError(w, s.format, http.StatusBadRequest, err)
			return
		}
		if err := s.coord.ReportResult(rep.WorkerID, rep.Record); err != nil {
			cluster.WriteError(w, s.format, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	r.HandleFunc("/deregister", func(w http.ResponseWriter, req *http.Request) {
		var dereg cluster.DeregisterRequest
		if err := cluster.ReadMsg(req, &dereg); err != nil {
			cluster.WriteError(w, s.format, http.StatusBadRequest, err)
			return
		}
		s.coord.DeregisterExecutor(dereg.WorkerID)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	return r
}
