// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import "errors"

var (
	ErrRPCAborted    = errors.New("rpc aborted: session closed or timed out")
	ErrSessionClosed = errors.New("session closed")
	ErrBadLocator    = errors.New("malformed service locator")

	ErrDriverSend   = errors.New("driver send failed")
	ErrDriverClosed = errors.New("driver closed")

	ErrObjectDoesNotExist = errors.New("object does not exist")
	ErrUnknownOp          = errors.New("unknown operation code")
	ErrBadRequest         = errors.New("malformed request payload")
	ErrBadReply           = errors.New("malformed reply payload")

	ErrStoreFull = errors.New("object store is full")
)
