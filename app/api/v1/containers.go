package v1

import (
	"context"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/api/models"
	"github.com/2a46m4/kawakaze/app/models/container"
	"github.com/2a46m4/kawakaze/app/services/cell"
)

type ContainerEndpoint struct {
	containers ContainerService
}

func NewContainerEndpoints(r chi.Router, containers ContainerService) {
	containerEndpoint := ContainerEndpoint{
		containers: containers,
	}

	r.Route("/containers", func(r chi.Router) {
		r.Get("/", containerEndpoint.listContainers)
		r.Post("/create", containerEndpoint.createContainer)
		r.Get("/{id}", containerEndpoint.getContainer)
		r.Delete("/{id}", containerEndpoint.removeContainer)
		r.Post("/{id}/start", containerEndpoint.transition(containers.StartContainer))
		r.Post("/{id}/stop", containerEndpoint.transition(containers.StopContainer))
		r.Post("/{id}/pause", containerEndpoint.transition(containers.PauseContainer))
		r.Post("/{id}/unpause", containerEndpoint.transition(containers.UnpauseContainer))
		r.Post("/{id}/exec", containerEndpoint.exec)
		r.Get("/{id}/logs", containerEndpoint.logs)
	})
}

func (e *ContainerEndpoint) listContainers(w http.ResponseWriter, r *http.Request) {
	list, err := e.containers.ListContainers(r.Context())
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(list))
}

func (e *ContainerEndpoint) getContainer(w http.ResponseWriter, r *http.Request) {
	c, err := e.containers.GetContainer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(c))
}

func (e *ContainerEndpoint) createContainer(w http.ResponseWriter, r *http.Request) {
	var req cell.CreateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, models.BadRequest(errors.Wrap(err, "invalid create request")))
		return
	}

	c, err := e.containers.CreateContainer(r.Context(), req)
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, &models.APIResponse{Status: http.StatusCreated, Content: c})
}

func (e *ContainerEndpoint) transition(fn func(context.Context, string) (*container.Container, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			render.Render(w, r, models.Error(err))
			return
		}
		render.Render(w, r, models.OK(c))
	}
}

func (e *ContainerEndpoint) removeContainer(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := e.containers.RemoveContainer(r.Context(), chi.URLParam(r, "id"), force); err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(nil))
}

func (e *ContainerEndpoint) exec(w http.ResponseWriter, r *http.Request) {
	var req cell.ExecRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, models.BadRequest(errors.Wrap(err, "invalid exec request")))
		return
	}

	res, err := e.containers.Exec(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(res))
}

func (e *ContainerEndpoint) logs(w http.ResponseWriter, r *http.Request) {
	tail, err := intQuery(r, "tail")
	if err != nil {
		render.Render(w, r, models.BadRequest(err))
		return
	}
	lines, err := e.containers.Logs(r.Context(), chi.URLParam(r, "id"), tail)
	if err != nil {
		render.Render(w, r, models.Error(err))
		return
	}
	render.Render(w, r, models.OK(lines))
}
