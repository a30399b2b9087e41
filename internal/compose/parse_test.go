package compose

import "testing"

const nextcloudCompose = `version: "3"
services:
  nextcloud:
    image: nextcloud:29
    ports:
      - "8080:80"
    environment:
      - MYSQL_HOST=db
      - MYSQL_PASSWORD=secret
    volumes:
      - nextcloud_data:/var/www/html
  db:
    image: mariadb:11
    environment:
      MYSQL_ROOT_PASSWORD: secret
    volumes:
      - db_data:/var/lib/mysql
volumes:
  nextcloud_data:
  db_data:
`

func TestParseServicesInOrder(t *testing.T) {
	p := Parse(nextcloudCompose)
	if p == nil {
		t.Fatal("expected document to parse")
	}
	if len(p.ServiceOrder) != 2 || p.ServiceOrder[0] != "nextcloud" || p.ServiceOrder[1] != "db" {
		t.Fatalf("unexpected service order %v", p.ServiceOrder)
	}
	if len(p.VolumeNames) != 2 || p.VolumeNames[0] != "nextcloud_data" || p.VolumeNames[1] != "db_data" {
		t.Fatalf("unexpected volume names %v", p.VolumeNames)
	}

	app := p.Services["nextcloud"]
	if app.Image != "nextcloud:29" {
		t.Errorf("unexpected image %q", app.Image)
	}
	if len(app.Ports) != 1 || app.Ports[0] != "8080:80" {
		t.Errorf("unexpected ports %v", app.Ports)
	}
	// List-form environment decodes the same as map-form.
	if app.Environment["MYSQL_HOST"] != "db" {
		t.Errorf("list environment not decoded: %v", app.Environment)
	}
	if p.Services["db"].Environment["MYSQL_ROOT_PASSWORD"] != "secret" {
		t.Errorf("map environment not decoded: %v", p.Services["db"].Environment)
	}
}

func TestParseLongFormPortsAndCommandList(t *testing.T) {
	p := Parse(`services:
  web:
    image: caddy:2
    ports:
      - target: 80
        published: "8088"
    command: ["caddy", "run", "--watch"]
`)
	if p == nil {
		t.Fatal("expected document to parse")
	}
	web := p.Services["web"]
	if len(web.Ports) != 1 || web.Ports[0] != "8088:80" {
		t.Errorf("long-form port not normalized: %v", web.Ports)
	}
	if web.Command != "caddy run --watch" {
		t.Errorf("command list not joined: %q", web.Command)
	}
}

func TestParseInvalidInput(t *testing.T) {
	cases := []string{
		"{{ not yaml",
		"just: a\nscalar: doc\n",
		"services: []\n",
		"services:\n",
	}
	for _, in := range cases {
		if Parse(in) != nil {
			t.Errorf("expected nil for %q", in)
		}
	}
}

func TestPrimaryService(t *testing.T) {
	// A service literally named "app" always wins.
	p := Parse(`services:
  redis:
    image: redis:7
  app:
    image: ghost:5
`)
	name, svc, ok := PrimaryService(p, "ghost")
	if !ok || name != "app" || svc.Image != "ghost:5" {
		t.Errorf("expected app service, got %q ok=%v", name, ok)
	}

	// Name overlap with the app id beats declaration order.
	p = Parse(nextcloudCompose)
	name, _, ok = PrimaryService(p, "nextcloud")
	if !ok || name != "nextcloud" {
		t.Errorf("expected nextcloud, got %q", name)
	}

	// No overlap: skip sidecar-looking names.
	p = Parse(`services:
  postgres:
    image: postgres:16
  web:
    image: gitea/gitea:1.22
`)
	name, _, ok = PrimaryService(p, "gitea")
	if !ok || name != "web" {
		t.Errorf("expected web, got %q", name)
	}

	// Everything looks like a sidecar: first declared wins.
	p = Parse(`services:
  redis:
    image: redis:7
  cache-warmer:
    image: busybox
`)
	name, _, ok = PrimaryService(p, "someapp")
	if !ok || name != "redis" {
		t.Errorf("expected first declared service, got %q", name)
	}

	if _, _, ok := PrimaryService(nil, "x"); ok {
		t.Error("nil document must not yield a service")
	}
}
