/*
Copyright 2025 The Dapr Authors
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

package httputils

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

const contentTypeJSON = "application/json"

type errorResponse struct {
	Error string `json:"error"`
}

// RespondWithJSON writes v as a JSON body with the given status code.
func RespondWithJSON(w http.ResponseWriter, statusCode int, v any) {
	body, err := jsoniter.ConfigFastest.Marshal(v)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "failed to encode response: "+err.Error())
		return
	}
	w.Header().Set("content-type", contentTypeJSON)
	w.WriteHeader(statusCode)
	w.Write(body)
}

// RespondWithError responds with a JSON error body. If msg is empty, the
// text of the status code is sent instead.
// This method should be invoked before calling w.WriteHeader, and callers should abort the request after calling this method.
func RespondWithError(w http.ResponseWriter, statusCode int, msg string) {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusCode = http.StatusInternalServerError
		statusText = http.StatusText(statusCode)
	}
	if msg == "" {
		msg = statusText
	}

	body, _ := jsoniter.ConfigFastest.Marshal(errorResponse{Error: msg})
	w.Header().Set("content-type", contentTypeJSON)
	w.WriteHeader(statusCode)
	w.Write(body)
}
