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

package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cubefs/ramstore/objectstore"
	"github.com/cubefs/ramstore/transport"
	"github.com/cubefs/ramstore/transport/udp"
)

type Config struct {
	UDPConfig       udp.Config         `json:"udp_config"`
	TransportConfig transport.Config   `json:"transport_config"`
	StoreConfig     objectstore.Config `json:"store_config"`
}

// Server owns one storage node: the UDP driver, the transport on top
// of it, the object store and the service loop binding them.
type Server struct {
	driver    *udp.Driver
	transport *transport.Transport
	store     *objectstore.Store
	service   *objectstore.Service

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewServer(cfg *Config) (*Server, error) {
	driver, err := udp.NewDriver(&cfg.UDPConfig)
	if err != nil {
		return nil, err
	}
	tr := transport.New(driver, &cfg.TransportConfig)
	store := objectstore.NewStore(&cfg.StoreConfig)
	return &Server{
		driver:    driver,
		transport: tr,
		store:     store,
		service:   objectstore.NewService(store, tr),
	}, nil
}

// ServiceLocator is the address clients dial, with any ephemeral port
// resolved.
func (s *Server) ServiceLocator() string { return s.transport.ServiceLocator() }

// Store exposes the object store for admin handlers.
func (s *Server) Store() *objectstore.Store { return s.store }

// Serve runs the service loop in the background until Close.
func (s *Server) Serve(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	serveCtx := ctx
	s.group.Go(func() error {
		err := s.service.Serve(serveCtx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.group.Wait()
	}
	return s.transport.Close()
}
