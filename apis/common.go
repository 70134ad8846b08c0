// Copyright 2022 The wsrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix registers new method handler for a path prefix
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(normalizePathPrefix(pathPrefix)).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(strings.ToUpper(method)).Path("").HandlerFunc(handler)
	}
	return router
}

// normalizePathPrefix ensure the prefix is rooted
func normalizePathPrefix(pathPrefix string) string {
	if !strings.HasPrefix(pathPrefix, "/") {
		return "/" + pathPrefix
	}
	return pathPrefix
}
