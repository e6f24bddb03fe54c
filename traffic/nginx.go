package traffic

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/GoCodeAlone/rollout/environment"
)

// Upstreams are the addresses nginx proxies to for one environment.
type Upstreams struct {
	Backend  string `yaml:"backend" json:"backend"`
	Frontend string `yaml:"frontend" json:"frontend"`
}

// DefaultUpstreams matches the conventional local ports.
func DefaultUpstreams() map[environment.Name]Upstreams {
	return map[environment.Name]Upstreams{
		environment.Blue:  {Backend: "localhost:5002", Frontend: "localhost:3002"},
		environment.Green: {Backend: "localhost:5001", Frontend: "localhost:3001"},
	}
}

// nginx rejects a 0% bucket in split_clients, so a full split renders a
// single catch-all entry.
var nginxTemplate = template.Must(template.New("nginx").Funcs(template.FuncMap{
	"bucket": func(prefix string, s environment.Split) bucketData { return bucketData{Prefix: prefix, Split: s} },
}).Parse(`# Generated by rolloutctl. Do not edit: changes are overwritten on the next split.
# Split: blue={{.Split.Blue}} green={{.Split.Green}}
events {
    worker_connections 1024;
}

http {
    upstream backend_blue {
        server {{.Blue.Backend}};
    }

    upstream backend_green {
        server {{.Green.Backend}};
    }

    upstream frontend_blue {
        server {{.Blue.Frontend}};
    }

    upstream frontend_green {
        server {{.Green.Frontend}};
    }

    split_clients $remote_addr $backend_pool {
{{- template "buckets" (bucket "backend" .Split)}}
    }

    split_clients $remote_addr $frontend_pool {
{{- template "buckets" (bucket "frontend" .Split)}}
    }

    server {
        listen {{.Listen}};

        location /api/ {
            proxy_pass http://$backend_pool;
            proxy_set_header Host $host;
            proxy_set_header X-Real-IP $remote_addr;
        }

        location / {
            proxy_pass http://$frontend_pool;
            proxy_set_header Host $host;
            proxy_set_header X-Real-IP $remote_addr;
        }
    }
}
{{define "buckets"}}
{{- if eq .Split.Blue 100}}
        * {{.Prefix}}_blue;
{{- else if eq .Split.Green 100}}
        * {{.Prefix}}_green;
{{- else}}
        {{.Split.Blue}}% {{.Prefix}}_blue;
        * {{.Prefix}}_green;
{{- end}}
{{- end}}`))

type bucketData struct {
	Prefix string
	Split  environment.Split
}

type nginxData struct {
	Split  environment.Split
	Blue   Upstreams
	Green  Upstreams
	Listen int
}

// RenderNginx renders the proxy configuration for split.
func RenderNginx(split environment.Split, upstreams map[environment.Name]Upstreams, listen int) ([]byte, error) {
	if err := split.Validate(); err != nil {
		return nil, err
	}
	blue, ok := upstreams[environment.Blue]
	if !ok {
		return nil, fmt.Errorf("no upstreams configured for %s", environment.Blue)
	}
	green, ok := upstreams[environment.Green]
	if !ok {
		return nil, fmt.Errorf("no upstreams configured for %s", environment.Green)
	}
	if listen == 0 {
		listen = 80
	}

	var buf bytes.Buffer
	if err := nginxTemplate.Execute(&buf, nginxData{Split: split, Blue: blue, Green: green, Listen: listen}); err != nil {
		return nil, fmt.Errorf("render nginx config: %w", err)
	}
	return buf.Bytes(), nil
}
