/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package cuda resolves the real driver entry points from libcuda and
// exposes them as an api.Driver.
//
// The adapter needs cgo and is compiled only with the "cuda" build tag:
//
//	go build -tags cuda ./...
//
// Load first looks for an already loaded libcuda.so.1 so that, inside an
// interposed process, the addresses resolved are those of the real library
// and never the interposer's own exports.
package cuda

import "errors"

// DefaultLibrary is the soname loaded when no path is configured.
const DefaultLibrary = "libcuda.so.1"

// ErrSymbolsUnavailable is returned when the library or one of the required
// entry points cannot be resolved.
var ErrSymbolsUnavailable = errors.New("cuda: driver symbols unavailable")

// required lists the entry points every Driver must resolve.
var required = []string{
	"cuInit",
	"cuMemCreate",
	"cuMemRelease",
	"cuMemMap",
	"cuMemUnmap",
	"cuMemSetAccess",
	"cuMemExportToShareableHandle",
	"cuMemImportFromShareableHandle",
}

// optional entry points are resolved when present.
var optional = []string{
	"cuMemAddressReserve",
	"cuMemAddressFree",
	"cuMemcpyHtoD_v2",
	"cuMemcpyDtoH_v2",
}
