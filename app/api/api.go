package api

import (
	"net/http"

	"github.com/go-chi/chi"
	middlechi "github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/api/models"
	v1 "github.com/2a46m4/kawakaze/app/api/v1"
	"github.com/2a46m4/kawakaze/middleware"
)

type API struct {
	routes chi.Router
}

func NewAPI(router chi.Router) *API {
	return &API{
		routes: router,
	}
}

func health(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, models.OK(map[string]string{"status": "ok"}))
}

func (api *API) Init(images v1.ImageService, containers v1.ContainerService) {
	api.routes.Use(middlechi.RequestID)
	api.routes.Use(middleware.Logger)
	api.routes.Use(middleware.Recoverer)
	api.routes.Use(render.SetContentType(render.ContentTypeJSON))

	api.routes.NotFound(func(w http.ResponseWriter, r *http.Request) {
		render.Render(w, r, &models.APIResponse{
			Status: http.StatusNotFound,
			Err:    errors.Errorf("no endpoint %s", r.URL.Path),
		})
	})
	api.routes.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		render.Render(w, r, &models.APIResponse{
			Status: http.StatusMethodNotAllowed,
			Err:    errors.Errorf("%s not allowed on %s", r.Method, r.URL.Path),
		})
	})

	api.routes.Get("/health", health)

	api.routes.Route("/v1", func(r chi.Router) {
		r.Get("/health", health)
		v1.NewImageEndpoints(r, images)
		v1.NewContainerEndpoints(r, containers)
	})
}

func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.routes.ServeHTTP(w, r)
}
