package provision

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Missing keys are an error so a typo never ships an empty directive.
var templates = template.Must(template.New("rumi").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl"))

type siteData struct {
	Domain         string
	Certificate    string
	CertificateKey string
	Root           string
	Port           int
}

type unitData struct {
	Name   string
	Domain string
	Binary string
	Port   int
	User   string
	Group  string
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// WebsiteSite renders the nginx site serving root for domain over TLS.
func (p *Provisioner) WebsiteSite(domain, root string) (string, error) {
	cert, key := p.certPaths(domain)
	return render("website.conf.tmpl", siteData{Domain: domain, Certificate: cert, CertificateKey: key, Root: root})
}

// ProxySite renders the nginx site forwarding domain to a local port.
func (p *Provisioner) ProxySite(domain string, port int) (string, error) {
	cert, key := p.certPaths(domain)
	return render("proxy.conf.tmpl", siteData{Domain: domain, Certificate: cert, CertificateKey: key, Port: port})
}
