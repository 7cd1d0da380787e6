// Copyright 2025-2026 Patrick J. Scruggs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package accesslogconfig loads access log settings from a YAML or JSON file
// and keeps an [accesslog.Switch] and an [accesslog.ServiceNameHolder] in
// step with it.
//
// The file holds an "accesslog" section:
//
//	accesslog:
//	  enabled: true
//	  service_name: checkout
//
// Watch hot-reloads the file so the enabled flag and the service name can be
// changed without a restart:
//
//	cfg, err := accesslogconfig.New("/etc/app/accesslog.yaml")
//	if err != nil {
//		return err
//	}
//	live := accesslogconfig.Bindings{
//		Switch:      accesslog.NewSwitch(true),
//		ServiceName: accesslog.NewServiceNameHolder(""),
//	}
//	if _, err := cfg.Apply(live); err != nil {
//		return err
//	}
//	w, err := accesslogconfig.Watch(cfg, live, nil)
//	if err != nil {
//		return err
//	}
//	w.StartAsync()
//	defer w.Stop()
//
//	rec := accesslog.New(accesslog.NewSlogSink(), accesslog.WithGate(live.Switch))
//	client := &http.Client{Transport: accessloghttp.Transport(nil,
//		accessloghttp.WithRecorder(rec),
//		accessloghttp.WithServiceNameSource(live.ServiceName),
//	)}
package accesslogconfig
