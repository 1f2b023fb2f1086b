// Package rest serves the dispatcher over plain HTTP. Each request is an
// ephemeral session: authenticate from headers, run one call, tear down.
// Event subscriptions belong to the WebSocket transport.
package rest

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/dispatcher"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/pkg/logger"
)

const maxBodySize = 10 << 20
const maxUploadSize = 1 << 30

// Server is the REST front end.
type Server struct {
	d   *dispatcher.Dispatcher
	log *logger.Logger
}

func NewServer(d *dispatcher.Dispatcher, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("rest")
	}
	return &Server{d: d, log: log}
}

// Router builds the API routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/_upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/{service}/{method}", s.handleCall).Methods(http.MethodPost)
	return r
}

// restSink discards events; REST requests have no notification channel.
type restSink struct{}

func (restSink) SendReply(dispatcher.Reply) {}
func (restSink) SendEvent(dispatcher.Event) {}

func originOf(r *http.Request) *auth.Origin {
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return &auth.Origin{Transport: auth.TransportREST, Address: r.RemoteAddr}
	}
	port, _ := strconv.Atoi(portStr)
	return &auth.Origin{Transport: auth.TransportREST, Address: host, Port: port}
}

// authenticate resolves the request credential from headers. Anonymous
// requests proceed without a credential; methods then enforce their own
// authentication requirements.
func (s *Server) authenticate(r *http.Request, sess *dispatcher.Session) error {
	var req map[string]any

	if key := r.Header.Get("X-API-Key"); key != "" {
		req = map[string]any{"mechanism": auth.MechanismAPIKey, "api_key": key}
	} else if header := r.Header.Get("Authorization"); header != "" {
		switch {
		case strings.HasPrefix(header, "Bearer "):
			req = map[string]any{
				"mechanism": auth.MechanismToken,
				"token":     strings.TrimPrefix(header, "Bearer "),
			}
		case strings.HasPrefix(header, "Basic "):
			username, password, ok := r.BasicAuth()
			if !ok {
				return errors.AuthFailed()
			}
			req = map[string]any{
				"mechanism": auth.MechanismPassword,
				"username":  username,
				"password":  password,
			}
		default:
			return errors.AuthFailed()
		}
	} else {
		return nil
	}

	resp, err := s.d.Auth().LoginEx(r.Context(), sess.ID(), sess.Origin(), req)
	if err != nil {
		return err
	}
	if resp.ResponseType != auth.ResponseSuccess {
		// Multi-step mechanisms (OTP, SCRAM) need a stateful session and
		// are not reachable over REST.
		return errors.AuthFailed()
	}
	sess.SetCredential(resp.Credential)
	return nil
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	method := vars["service"] + "." + vars["method"]

	var params any
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, errors.AsError(err))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			verrs := &errors.Validation{}
			verrs.Add("body", "invalid JSON", "invalid")
			writeError(w, verrs.Envelope())
			return
		}
	}

	s.run(w, r, method, params)
}

// uploadEnvelope is the JSON part of a multipart upload request.
type uploadEnvelope struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// handleUpload accepts a multipart request: a "data" part with the call
// envelope and a "file" part with the payload. The payload is spooled to a
// temporary file whose path is handed to the method as upload_path; the
// method owns the file from then on.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	reader, err := r.MultipartReader()
	if err != nil {
		verrs := &errors.Validation{}
		verrs.Add("body", "expected multipart/form-data", "invalid")
		writeError(w, verrs.Envelope())
		return
	}

	var envelope *uploadEnvelope
	var uploadPath string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, errors.AsError(err))
			return
		}
		switch part.FormName() {
		case "data":
			var env uploadEnvelope
			if err := json.NewDecoder(part).Decode(&env); err != nil {
				verrs := &errors.Validation{}
				verrs.Add("data", "invalid JSON envelope", "invalid")
				writeError(w, verrs.Envelope())
				return
			}
			envelope = &env
		case "file":
			tmp, err := os.CreateTemp("", "middled-upload-*")
			if err != nil {
				writeError(w, errors.AsError(err))
				return
			}
			if _, err := io.Copy(tmp, part); err != nil {
				tmp.Close()
				os.Remove(tmp.Name())
				writeError(w, errors.AsError(err))
				return
			}
			tmp.Close()
			uploadPath = tmp.Name()
		}
	}
	if envelope == nil || envelope.Method == "" {
		if uploadPath != "" {
			os.Remove(uploadPath)
		}
		verrs := &errors.Validation{}
		verrs.Add("data", "missing call envelope", "required")
		writeError(w, verrs.Envelope())
		return
	}
	if uploadPath == "" {
		verrs := &errors.Validation{}
		verrs.Add("file", "missing file part", "required")
		writeError(w, verrs.Envelope())
		return
	}

	params := envelope.Params
	if params == nil {
		params = map[string]any{}
	}
	params["upload_path"] = uploadPath
	s.run(w, r, envelope.Method, params)
}

// run authenticates, executes one call on an ephemeral session and writes
// the response.
func (s *Server) run(w http.ResponseWriter, r *http.Request, method string, params any) {
	sess := s.d.NewSession(originOf(r), restSink{})
	defer sess.Close()

	if err := s.authenticate(r, sess); err != nil {
		writeError(w, errors.AsError(err))
		return
	}

	result, err := sess.CallSync(r.Context(), method, params)
	if err != nil {
		writeError(w, errors.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func writeError(w http.ResponseWriter, e *errors.Error) {
	writeJSON(w, e.HTTPStatus(), map[string]any{"error": e})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
