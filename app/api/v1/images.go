package v1

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/api/models"
	"github.com/2a46m4/kawakaze/app/services"
	"github.com/2a46m4/kawakaze/app/services/build"
)

type ImageEndpoint struct {
	images ImageService
}

func NewImageEndpoints(r chi.Router, images ImageService) {
	imageEndpoint := ImageEndpoint{
		images: images,
	}

	r.Route("/images", func(r chi.Router) {
		r.Get("/", imageEndpoint.listImages)
		r.Post("/build", imageEndpoint.buildImage)
		r.Get("/builds/{name}", imageEndpoint.buildStatus)
		r.Get("/{id}", imageEndpoint.getImage)
		r.Get("/{id}/history", imageEndpoint.imageHistory)
		r.Delete("/{id}", imageEndpoint.deleteImage)
	})

	r.Route("/bootstrap", func(r chi.Router) {
		r.Post("/", imageEndpoint.bootstrap)
		r.Get("/{name}", imageEndpoint.bootstrapStatus)
	})
}

func intQuery(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Errorf("%s must be a non-negative integer, got %q", key, raw)
	}
	return n, nil
}

func (e *ImageEndpoint) listImages(w http.ResponseWriter, r *http.Request) {
	images, err := e.images.ListImages(r.Context())
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(images))
}

func (e *ImageEndpoint) getImage(w http.ResponseWriter, r *http.Request) {
	img, err := e.images.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(img))
}

func (e *ImageEndpoint) imageHistory(w http.ResponseWriter, r *http.Request) {
	history, err := e.images.ImageHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(history))
}

func (e *ImageEndpoint) buildImage(w http.ResponseWriter, r *http.Request) {
	var req build.Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, models.BadRequest(errors.Wrap(err, "invalid build request")))
		return
	}

	job, err := e.images.BuildImage(r.Context(), req)
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.Accepted(acceptedJob(job)))
}

func (e *ImageEndpoint) buildStatus(w http.ResponseWriter, r *http.Request) {
	from, err := intQuery(r, "from")
	if err != nil {
		render.Render(w, r, models.BadRequest(err))
		return
	}
	status, err := e.images.BuildStatus(chi.URLParam(r, "name"), from)
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(status))
}

func (e *ImageEndpoint) deleteImage(w http.ResponseWriter, r *http.Request) {
	if err := e.images.DeleteImage(r.Context(), chi.URLParam(r, "id")); err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(nil))
}

func (e *ImageEndpoint) bootstrap(w http.ResponseWriter, r *http.Request) {
	var req services.BootstrapRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, models.BadRequest(errors.Wrap(err, "invalid bootstrap request")))
		return
	}

	job, err := e.images.Bootstrap(r.Context(), req)
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.Accepted(acceptedJob(job)))
}

func (e *ImageEndpoint) bootstrapStatus(w http.ResponseWriter, r *http.Request) {
	from, err := intQuery(r, "from")
	if err != nil {
		render.Render(w, r, models.BadRequest(err))
		return
	}
	status, err := e.images.BootstrapStatus(chi.URLParam(r, "name"), from)
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(status))
}
