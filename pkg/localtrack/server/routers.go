/*
Copyright 2023 The Localtrack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import "github.com/gin-gonic/gin"

// InitRouters registers all control-plane routes with the gin engine.
func InitRouters(e *gin.Engine, h *Handler) {
	e.GET("/", h.Root)
	e.GET("/health", h.Health)
	e.GET("/models", h.Models)
	e.POST("/predict", h.Predict)
	e.GET("/status_by_id/:id", h.StatusByID)
	e.GET("/status_by_name/:name", h.StatusByName)
	e.GET("/status", h.Status)
}

// NewEngine builds the gin engine with recovery only; request logging goes
// through logrus at debug level rather than gin's default writer.
func NewEngine(h *Handler) *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	InitRouters(e, h)
	return e
}
