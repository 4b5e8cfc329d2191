package protocols

import (
	"io"
	"net/http"

	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/types"
)

const uploadSource = "Upload"

type uploadFile struct {
	Name      string  `json:"name"`
	Tracks    []int64 `json:"track_ids,omitempty"`
	Locations int64   `json:"locations"`
	Discarded int     `json:"discarded,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type uploadResponse struct {
	Files []uploadFile `json:"files"`
}

// Upload imports every file part of a multipart POST as GPX. Each file is
// reported separately; one bad file does not fail the others.
type Upload struct {
	deps      Deps
	maxUpload int64
}

func NewUpload(deps Deps, maxUpload int64) *Upload {
	return &Upload{deps: deps, maxUpload: maxUpload}
}

func (a *Upload) Serve(w http.ResponseWriter, r *http.Request, m Match) {
	ctx := r.Context()
	username, secret, ok := r.BasicAuth()
	if !ok {
		username, secret = m.Username, m.Password
	}
	identity, err := a.deps.authenticate(ctx, username, secret, services.AccountPasswordFallback, types.PermWrite)
	if err != nil {
		recordFailure(ctx, ProtocolUpload, err)
		status := statusFor(err)
		if status == http.StatusUnauthorized {
			challenge(w)
		}
		writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}

	if r.MultipartForm == nil {
		if err := r.ParseMultipartForm(a.maxUpload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart body"})
			return
		}
	}

	source := formValue(r, "source")
	if source == "" {
		source = uploadSource
	}

	resp := uploadResponse{Files: []uploadFile{}}
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			resp.Files = append(resp.Files, a.importFile(r, identity, fh.Filename, source, func() (io.ReadCloser, error) {
				return fh.Open()
			}))
		}
	}
	if len(resp.Files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no files"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *Upload) importFile(r *http.Request, identity services.Identity, name, source string, open func() (io.ReadCloser, error)) uploadFile {
	ctx := r.Context()
	out := uploadFile{Name: name}

	f, err := open()
	if err != nil {
		out.Error = "unreadable file"
		return out
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, a.maxUpload+1))
	if err != nil {
		out.Error = "unreadable file"
		return out
	}
	if int64(len(data)) > a.maxUpload {
		out.Error = "file too large"
		return out
	}

	result, err := a.deps.Importer.Import(ctx, identity, data, source)
	if err != nil {
		recordFailure(ctx, ProtocolUpload, err)
		logging.Ctx(ctx).Warn().Err(err).Str("file", name).Msg("upload import failed")
		out.Error = "import failed"
		if statusFor(err) == http.StatusBadRequest {
			out.Error = err.Error()
		}
		return out
	}
	for _, t := range result.Tracks {
		out.Tracks = append(out.Tracks, t.ID)
	}
	out.Locations = result.Locations
	out.Discarded = result.Discarded
	return out
}
