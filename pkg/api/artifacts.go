package api

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/metrics"
	"github.com/foundrymesh/foundry/pkg/objectstore"
	"github.com/foundrymesh/foundry/pkg/types"
)

type certsBundle struct {
	P12                  string   `json:"p12"`
	P12Password          string   `json:"p12Password"`
	KeychainPassword     string   `json:"keychainPassword"`
	ProvisioningProfiles []string `json:"provisioningProfiles"`
}

type certsPasswords struct {
	P12Password      string `json:"p12Password"`
	KeychainPassword string `json:"keychainPassword"`
}

// handleSource streams the build's source archive to the assigned
// worker, or to an admin.
func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	build, err := s.workerOrAdminBuild(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamArtifact(w, r, build.SourceRef, objectstore.SourceName(build.ID), objectstore.BucketSource)
}

// handleCerts streams the build's certificate bundle. Builds submitted
// without certs return 404.
func (s *Server) handleCerts(w http.ResponseWriter, r *http.Request) {
	build, err := s.workerOrAdminBuild(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if build.CertsRef == "" {
		s.writeError(w, r, types.NewNotFound("build %s has no certificates", build.ID))
		return
	}
	s.streamArtifact(w, r, build.CertsRef, objectstore.CertsName(build.ID), objectstore.BucketCerts)
}

// handleCertsSecure unpacks the certificate bundle server-side and
// returns the signing material as JSON. The URL build id must match the
// X-Build-Id header, so a rewritten path alone cannot redirect cert
// egress to another build.
func (s *Server) handleCertsSecure(w http.ResponseWriter, r *http.Request) {
	wa, err := s.authorizer.RequireWorker(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(auth.HeaderAccessToken, wa.NewToken)

	buildID := chi.URLParam(r, "buildID")
	if err := auth.RequireBuildIDHeader(r, buildID); err != nil {
		s.writeError(w, r, err)
		return
	}

	build, err := s.store.GetBuild(buildID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := auth.RequireWorkerForBuild(wa.Worker, build); err != nil {
		s.writeError(w, r, err)
		return
	}
	if build.CertsRef == "" {
		s.writeError(w, r, types.NewNotFound("build %s has no certificates", build.ID))
		return
	}

	bundle, err := s.assembleCertsBundle(build.CertsRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// assembleCertsBundle unzips the stored certs archive and collects the
// p12 identity, provisioning profiles, and passwords. The archive is
// capped at upload time, so buffering it here is bounded.
func (s *Server) assembleCertsBundle(certsRef string) (*certsBundle, error) {
	rc, err := s.objects.Open(certsRef)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, s.cfg.MaxCertsBytes))
	if err != nil {
		return nil, types.NewTransient(fmt.Sprintf("failed to read certificate bundle: %v", err))
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, types.NewValidation("certificate bundle is not a zip archive", err.Error())
	}

	bundle := &certsBundle{ProvisioningProfiles: []string{}}
	var passwords *certsPasswords

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.ToLower(f.Name)
		switch {
		case strings.HasSuffix(name, ".p12") && bundle.P12 == "":
			content, err := readZipFile(f)
			if err != nil {
				return nil, err
			}
			bundle.P12 = base64.StdEncoding.EncodeToString(content)
		case strings.HasSuffix(name, ".mobileprovision"):
			content, err := readZipFile(f)
			if err != nil {
				return nil, err
			}
			bundle.ProvisioningProfiles = append(bundle.ProvisioningProfiles, base64.StdEncoding.EncodeToString(content))
		case strings.HasSuffix(name, "passwords.json"):
			content, err := readZipFile(f)
			if err != nil {
				return nil, err
			}
			var p certsPasswords
			if err := json.Unmarshal(content, &p); err == nil {
				passwords = &p
			}
		}
	}

	if passwords != nil {
		bundle.P12Password = passwords.P12Password
		bundle.KeychainPassword = passwords.KeychainPassword
	}
	if bundle.KeychainPassword == "" {
		// The worker needs some keychain password to unlock its
		// temporary keychain; generate one when the bundle names none.
		kc, err := auth.GenerateToken()
		if err != nil {
			return nil, types.NewInternal(err.Error())
		}
		bundle.KeychainPassword = kc
	}
	return bundle, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, types.NewValidation("corrupt certificate bundle", err.Error())
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, types.NewValidation("corrupt certificate bundle", err.Error())
	}
	return content, nil
}

// workerOrAdminBuild authorizes artifact egress: an admin key passes,
// otherwise the caller must be the worker the build is assigned to.
// Worker calls get their rotated token on the response.
func (s *Server) workerOrAdminBuild(w http.ResponseWriter, r *http.Request) (*types.Build, error) {
	build, err := s.store.GetBuild(chi.URLParam(r, "buildID"))
	if err != nil {
		return nil, err
	}

	if s.authorizer.IsAdmin(r) {
		return build, nil
	}

	wa, err := s.authorizer.RequireWorker(r)
	if err != nil {
		return nil, err
	}
	w.Header().Set(auth.HeaderAccessToken, wa.NewToken)
	if err := auth.RequireWorkerForBuild(wa.Worker, build); err != nil {
		return nil, err
	}
	return build, nil
}

// streamArtifact wires the stored artifact to the response with a
// pre-computed Content-Length. A reader error mid-transfer aborts the
// response; the status line is already gone by then.
func (s *Server) streamArtifact(w http.ResponseWriter, r *http.Request, ref, filename string, bucket objectstore.Bucket) {
	size, err := s.objects.Size(ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rc, err := s.objects.Open(ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	contentType := "application/octet-stream"
	if strings.HasSuffix(filename, ".zip") {
		contentType = "application/zip"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, rc)
	metrics.DownloadBytesTotal.WithLabelValues(string(bucket)).Add(float64(n))
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("ref", ref).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("artifact download aborted")
	}
}
