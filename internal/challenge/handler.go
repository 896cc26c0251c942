package challenge

import (
	"errors"
	"html/template"
	"net/http"

	"gatekeeper/internal/httputil"
	"gatekeeper/internal/session"
)

const (
	// PasswordField is the form field carrying the credential.
	PasswordField = "password"
	// legacyPasswordField is still accepted from forms rendered by older pages.
	legacyPasswordField = "protect_password"

	maxFormBytes = 4 * 1024
)

// Handler serves the challenge form at the gate path.
type Handler struct {
	machine *Machine
	flash   *session.Flash
	self    string
	root    string
}

func NewHandler(machine *Machine, flash *session.Flash, self, root string) *Handler {
	return &Handler{
		machine: machine,
		flash:   flash,
		self:    self,
		root:    root,
	}
}

type formView struct {
	Action          string
	Message         *session.Message
	AlreadyApproved bool
	Field           string
}

// ServeChallenge handles one request for address. approved reports whether
// address is already on the allowlist, which only changes the status line.
func (h *Handler) ServeChallenge(w http.ResponseWriter, r *http.Request, address string, approved bool) {
	logger := httputil.GetLogger(r.Context())

	var credential string
	submitted := false
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httputil.WriteFailure(w, http.StatusRequestEntityTooLarge, "Request too large.")
				return
			}
			httputil.WriteFailure(w, http.StatusBadRequest, "Malformed form submission.")
			return
		}
		credential = r.PostForm.Get(PasswordField)
		if credential == "" {
			credential = r.PostForm.Get(legacyPasswordField)
		}
		submitted = true
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		httputil.WriteFailure(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}

	outcome, err := h.machine.Step(r.Context(), address, credential, submitted)
	if err != nil {
		logger.Error().Err(err).Str("address", address).Msg("approval failed")
		httputil.WriteFailure(w, http.StatusInternalServerError,
			"Your address could not be recorded. Please try again later.")
		return
	}

	switch outcome.Action {
	case RedirectSelf:
		if err := h.flash.Set(w, outcome.Message); err != nil {
			logger.Warn().Err(err).Msg("could not set flash message")
		}
		httputil.Redirect(w, r, h.self)
	case RedirectRoot:
		httputil.Redirect(w, r, h.root)
	default:
		h.render(w, r, approved)
	}
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, approved bool) {
	view := formView{
		Action:          h.self,
		AlreadyApproved: approved,
		Field:           PasswordField,
	}
	// HEAD has no body to show the message in, so leave it for the next GET.
	if r.Method != http.MethodHead {
		if msg, ok := h.flash.Pop(w, r); ok {
			view.Message = &msg
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if err := formPage.Execute(w, view); err != nil {
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("render challenge form")
	}
}

var formPage = template.Must(template.New("challenge").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
    <meta name="robots" content="noindex, nofollow" />
    <title>Protected site</title>
    <style type="text/css">
    * {
      font-family: Arial, helvetica, sans-serif;
      font-size: 16px;
    }
    body {
      margin: 0;
      padding: 0;
      background: #EEE;
    }
    form {
      width: 300px;
      margin: 60px auto;
      padding: 40px;
      background: white;
      border-radius: 10px;
    }
    p.msg-error {
      color: red;
    }
    p.msg-success {
      color: green;
    }
    p.status {
      color: #555;
    }
    input[type=submit] {
      display: block;
      margin-top: 10px;
    }
    </style>
  </head>
  <body>
    <form method="POST" action="{{.Action}}">
      {{- with .Message}}
      <p class="msg-{{.Severity}}">{{.Text}}</p>
      {{- end}}
      {{- if .AlreadyApproved}}
      <p class="status">Your address is already approved.</p>
      {{- end}}
      <label for="{{.Field}}">Please enter the password</label><br>
      <input id="{{.Field}}" name="{{.Field}}" type="password" autofocus><br>
      <input type="submit" value="Sign in">
    </form>
  </body>
</html>
`))
