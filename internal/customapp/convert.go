// Package customapp converts user-authored app definitions into compose
// documents and manages their persistence.
package customapp

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/homestack/homestack/internal/apperr"
	"github.com/homestack/homestack/internal/compose"
	"gopkg.in/yaml.v3"
)

type composeService struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name,omitempty"`
	Restart       string   `yaml:"restart,omitempty"`
	Ports         []string `yaml:"ports,omitempty"`
	Environment   []string `yaml:"environment,omitempty"`
	Volumes       []string `yaml:"volumes,omitempty"`
	NetworkMode   string   `yaml:"network_mode,omitempty"`
	Hostname      string   `yaml:"hostname,omitempty"`
	Command       string   `yaml:"command,omitempty"`
}

type composeDoc struct {
	Services map[string]composeService `yaml:"services"`
}

// Flags of `docker run` that consume a value. Anything else starting with a
// dash is treated as a boolean flag and skipped.
var valueFlags = map[string]bool{
	"--name": true, "-p": true, "--publish": true, "-e": true, "--env": true,
	"-v": true, "--volume": true, "--restart": true, "--network": true,
	"--net": true, "--hostname": true, "-h": true, "-l": true, "--label": true,
}

// ConvertRunCommand converts a single-line `docker run ...` invocation into a
// compose document with one service. The service is named after the
// container name, falling back to a slug of displayName.
func ConvertRunCommand(runCommand, displayName string) (string, error) {
	tokens, err := splitCommand(runCommand)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInvalidSource, "malformed run command", err)
	}
	if len(tokens) < 3 || tokens[0] != "docker" || tokens[1] != "run" {
		return "", apperr.New(apperr.CodeInvalidSource, "input is not a docker run command")
	}

	svc := composeService{Restart: "unless-stopped"}
	name := ""
	var command []string

	args := tokens[2:]
	for i := 0; i < len(args); i++ {
		tok := args[i]
		flag, inline, hasInline := strings.Cut(tok, "=")
		if !strings.HasPrefix(tok, "-") {
			if svc.Image == "" {
				svc.Image = tok
			} else {
				command = append(command, tok)
			}
			continue
		}

		value := ""
		if hasInline {
			value = inline
		} else if valueFlags[flag] {
			i++
			if i >= len(args) {
				return "", apperr.New(apperr.CodeInvalidSource, fmt.Sprintf("flag %s is missing a value", flag))
			}
			value = args[i]
		}

		switch flag {
		case "--name":
			name = value
		case "-p", "--publish":
			svc.Ports = append(svc.Ports, value)
		case "-e", "--env":
			svc.Environment = append(svc.Environment, value)
		case "-v", "--volume":
			svc.Volumes = append(svc.Volumes, value)
		case "--restart":
			svc.Restart = value
		case "--network", "--net":
			svc.NetworkMode = value
		case "--hostname", "-h":
			svc.Hostname = value
		}
	}

	if svc.Image == "" {
		return "", apperr.New(apperr.CodeInvalidSource, "run command has no image reference")
	}
	svc.Command = strings.Join(command, " ")
	svc.ContainerName = name

	serviceName := name
	if serviceName == "" {
		serviceName = compose.SanitizeStackName(displayName)
	}
	if serviceName == "" {
		return "", apperr.New(apperr.CodeInvalidSource, "cannot derive a service name")
	}

	doc := composeDoc{Services: map[string]composeService{serviceName: svc}}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// splitCommand tokenizes a shell-like command line, honoring single and
// double quotes.
func splitCommand(input string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	quote := rune(0)

	for _, r := range input {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// ExtractWebPort extracts a port from a bare number, a host:port string, or a
// full URL. A well-formed URL without an explicit port yields 0 without an
// error; callers treat 0 as "no web UI port". Values outside [1, 65535] are
// rejected.
func ExtractWebPort(input string) (int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, nil
	}

	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil || u.Host == "" {
			return 0, apperr.New(apperr.CodeInvalidSource, fmt.Sprintf("cannot parse web UI address %q", input))
		}
		if u.Port() == "" {
			return 0, nil
		}
		return parsePort(u.Port())
	}

	if idx := strings.LastIndex(input, ":"); idx >= 0 {
		return parsePort(input[idx+1:])
	}
	return parsePort(input)
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.New(apperr.CodeInvalidSource, fmt.Sprintf("invalid port %q", s))
	}
	if port < 1 || port > 65535 {
		return 0, apperr.New(apperr.CodeInvalidSource, fmt.Sprintf("port %d out of range", port))
	}
	return port, nil
}
