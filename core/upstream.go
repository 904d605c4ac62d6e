// Copyright 2022 The cruisecast Authors
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

package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// UpstreamParams parameters of one streaming upstream collaborator
type UpstreamParams struct {
	// URL is the streaming endpoint
	URL string `validate:"required,url"`
	// ParamName is the query parameter carrying the resource ID
	ParamName string `validate:"required"`
	// ConnectTimeout covers dialing and waiting for the response headers. The stream
	// body itself is never timed out.
	ConnectTimeout time.Duration `validate:"gt=0"`
}

// UpstreamParamsFromConfig convert an upstream config section into client params
func UpstreamParamsFromConfig(cfg common.UpstreamEndpointConfig) UpstreamParams {
	return UpstreamParams{
		URL:            cfg.URL,
		ParamName:      cfg.ParamName,
		ConnectTimeout: time.Second * time.Duration(cfg.ConnectTimeout),
	}
}

// UpstreamClient opens long-lived streaming GETs against one upstream
type UpstreamClient interface {
	// OpenStream issue the streaming GET for a resource. The returned body stays open
	// until the upstream ends the response or the context is cancelled.
	OpenStream(ctxt context.Context, resourceID string) (io.ReadCloser, error)
}

// upstreamClientImpl implements UpstreamClient
type upstreamClientImpl struct {
	common.Component
	params UpstreamParams
	client *http.Client
}

// GetUpstreamClient define a new UpstreamClient
func GetUpstreamClient(instance string, params UpstreamParams) (UpstreamClient, error) {
	logTags := log.Fields{
		"module": "core", "component": "upstream-client", "instance": instance,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid upstream parameters")
		return nil, err
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   params.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: params.ConnectTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	return &upstreamClientImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		client:    &http.Client{Transport: transport},
	}, nil
}

// OpenStream issue the streaming GET for a resource
func (c *upstreamClientImpl) OpenStream(ctxt context.Context, resourceID string) (io.ReadCloser, error) {
	localLogTags, err := common.UpdateLogTags(ctxt, c.LogTags)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to update logtags")
		return nil, err
	}
	target, err := url.Parse(c.params.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrConnect, err.Error())
	}
	query := target.Query()
	query.Set(c.params.ParamName, resourceID)
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrConnect, err.Error())
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if v, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		req.Header.Set("X-Request-ID", v.ID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to reach %s", target.Host)
		return nil, fmt.Errorf("%w: %s", common.ErrConnect, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		log.WithFields(localLogTags).Errorf(
			"Upstream %s responded %d for %s", target.Host, resp.StatusCode, resourceID,
		)
		return nil, fmt.Errorf("%w: upstream responded %d", common.ErrConnect, resp.StatusCode)
	}
	log.WithFields(localLogTags).Debugf("Opened upstream stream for %s", resourceID)
	return resp.Body, nil
}
