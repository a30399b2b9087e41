package compose

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Service is one service definition from a compose document, reduced to the
// fields the lifecycle engine cares about. Ports and volumes stay as raw
// "host:container" / "source:target[:mode]" strings.
type Service struct {
	Image       string
	Ports       []string
	Environment map[string]string
	Volumes     []string
	NetworkMode string
	Restart     string
	Privileged  bool
	CapAdd      []string
	Hostname    string
	Devices     []string
	Command     string
}

// Parsed is the structured view of a compose document.
type Parsed struct {
	Services     map[string]Service
	ServiceOrder []string // names in document order
	VolumeNames  []string // top-level named volumes in document order
}

// Parse parses a compose-style document. It returns nil on input it cannot
// introspect (invalid YAML, or no services section); callers must treat nil
// as "pass the document through unmodified".
func Parse(text string) *Parsed {
	var doc struct {
		Services yaml.Node `yaml:"services"`
		Volumes  yaml.Node `yaml:"volumes"`
	}
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil
	}
	if doc.Services.Kind != yaml.MappingNode || len(doc.Services.Content) == 0 {
		return nil
	}

	p := &Parsed{Services: make(map[string]Service)}

	// Mapping node content alternates key, value.
	for i := 0; i+1 < len(doc.Services.Content); i += 2 {
		name := doc.Services.Content[i].Value
		svc, err := decodeService(doc.Services.Content[i+1])
		if err != nil {
			return nil
		}
		p.Services[name] = svc
		p.ServiceOrder = append(p.ServiceOrder, name)
	}

	if doc.Volumes.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(doc.Volumes.Content); i += 2 {
			p.VolumeNames = append(p.VolumeNames, doc.Volumes.Content[i].Value)
		}
	}

	return p
}

// rawService tolerates the compose shorthand variants: environment as map or
// "K=V" list, ports as scalars or long-form maps, command as string or list.
type rawService struct {
	Image       string      `yaml:"image"`
	Ports       []yaml.Node `yaml:"ports"`
	Environment yaml.Node   `yaml:"environment"`
	Volumes     []string    `yaml:"volumes"`
	NetworkMode string      `yaml:"network_mode"`
	Restart     string      `yaml:"restart"`
	Privileged  bool        `yaml:"privileged"`
	CapAdd      []string    `yaml:"cap_add"`
	Hostname    string      `yaml:"hostname"`
	Devices     []string    `yaml:"devices"`
	Command     yaml.Node   `yaml:"command"`
}

func decodeService(node *yaml.Node) (Service, error) {
	var raw rawService
	if err := node.Decode(&raw); err != nil {
		return Service{}, err
	}

	svc := Service{
		Image:       raw.Image,
		Environment: map[string]string{},
		Volumes:     raw.Volumes,
		NetworkMode: raw.NetworkMode,
		Restart:     raw.Restart,
		Privileged:  raw.Privileged,
		CapAdd:      raw.CapAdd,
		Hostname:    raw.Hostname,
		Devices:     raw.Devices,
	}

	for _, pn := range raw.Ports {
		port, err := decodePort(pn)
		if err != nil {
			return Service{}, err
		}
		if port != "" {
			svc.Ports = append(svc.Ports, port)
		}
	}

	if err := decodeEnvironment(raw.Environment, svc.Environment); err != nil {
		return Service{}, err
	}

	switch raw.Command.Kind {
	case yaml.ScalarNode:
		svc.Command = raw.Command.Value
	case yaml.SequenceNode:
		var parts []string
		if err := raw.Command.Decode(&parts); err != nil {
			return Service{}, err
		}
		svc.Command = strings.Join(parts, " ")
	}

	return svc, nil
}

func decodePort(node yaml.Node) (string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value, nil
	case yaml.MappingNode:
		// Long syntax: target/published.
		var long struct {
			Target    int    `yaml:"target"`
			Published string `yaml:"published"`
		}
		if err := node.Decode(&long); err != nil {
			return "", err
		}
		if long.Published != "" {
			return fmt.Sprintf("%s:%d", long.Published, long.Target), nil
		}
		return fmt.Sprintf("%d", long.Target), nil
	}
	return "", fmt.Errorf("unsupported port entry")
}

func decodeEnvironment(node yaml.Node, into map[string]string) error {
	switch node.Kind {
	case 0:
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		for k, v := range m {
			into[k] = v
		}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		for _, entry := range list {
			key, val, _ := strings.Cut(entry, "=")
			into[key] = val
		}
		return nil
	}
	return fmt.Errorf("unsupported environment shape")
}

// Names that indicate a sidecar rather than the app's main workload.
var sidecarHints = []string{"db", "redis", "postgres", "mariadb", "cache"}

// PrimaryService selects the service most likely to be the app's main
// process. Catalog compose files commonly declare the primary workload plus a
// database sidecar, and port detection must target the right one. The rules,
// in order: a service literally named "app" wins; then a service whose name
// overlaps appID over one that looks like a sidecar; otherwise the first
// declared service.
func PrimaryService(p *Parsed, appID string) (string, Service, bool) {
	if p == nil || len(p.ServiceOrder) == 0 {
		return "", Service{}, false
	}

	if svc, ok := p.Services["app"]; ok {
		return "app", svc, true
	}

	for _, name := range p.ServiceOrder {
		if nameMatchesApp(name, appID) {
			return name, p.Services[name], true
		}
	}

	for _, name := range p.ServiceOrder {
		if !looksLikeSidecar(name) {
			return name, p.Services[name], true
		}
	}

	first := p.ServiceOrder[0]
	return first, p.Services[first], true
}

func nameMatchesApp(name, appID string) bool {
	name = strings.ToLower(name)
	appID = strings.ToLower(appID)
	if name == "" || appID == "" {
		return false
	}
	return strings.Contains(appID, name) || strings.Contains(name, appID)
}

func looksLikeSidecar(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range sidecarHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
