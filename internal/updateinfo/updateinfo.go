// Package updateinfo renders the advisory metadata shipped in the repodata of
// a compose.
package updateinfo

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blankon/irgsh-composer/internal/entity"
)

const (
	dateLayout = "2006-01-02 15:04:05"
	fromAddr   = "updates@blankonlinux.or.id"
	FileName   = "updateinfo.xml"
)

type Document struct {
	XMLName xml.Name   `xml:"updates"`
	Updates []Advisory `xml:"update"`
}

type Advisory struct {
	From        string      `xml:"from,attr"`
	Status      string      `xml:"status,attr"`
	Type        string      `xml:"type,attr"`
	Version     string      `xml:"version,attr"`
	ID          string      `xml:"id"`
	Title       string      `xml:"title"`
	Issued      Date        `xml:"issued"`
	Updated     Date        `xml:"updated"`
	Release     string      `xml:"release"`
	Severity    string      `xml:"severity,omitempty"`
	Summary     string      `xml:"summary"`
	Description string      `xml:"description"`
	References  []Reference `xml:"references>reference"`
	Collection  Collection  `xml:"pkglist>collection"`
}

type Date struct {
	Date string `xml:"date,attr"`
}

type Reference struct {
	Href  string `xml:"href,attr"`
	ID    string `xml:"id,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

type Collection struct {
	Short    string    `xml:"short,attr"`
	Name     string    `xml:"name"`
	Packages []Package `xml:"package"`
}

type Package struct {
	Name     string `xml:"name,attr"`
	Version  string `xml:"version,attr"`
	Release  string `xml:"release,attr"`
	Epoch    string `xml:"epoch,attr"`
	Arch     string `xml:"arch,attr"`
	Src      string `xml:"src,attr"`
	Filename string `xml:"filename"`
}

// Build assembles one advisory per update of a push to request. Builds whose
// NVR cannot be parsed are reported as an error since a half-filled pkglist
// breaks dnf.
func Build(release entity.Release, updates []entity.Update, request entity.RequestType, issued time.Time) (*Document, error) {
	doc := &Document{}
	for _, u := range updates {
		adv, err := advisory(release, u, request, issued)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", u.Alias, err)
		}
		doc.Updates = append(doc.Updates, adv)
	}
	return doc, nil
}

func advisory(release entity.Release, u entity.Update, request entity.RequestType, issued time.Time) (Advisory, error) {
	submitted := u.DateSubmitted
	if submitted.IsZero() {
		submitted = issued
	}

	utype := u.Type
	if utype == "" {
		utype = entity.UpdateTypeBugfix
	}

	// the repository being composed decides the status, not the update's
	// request, which is already cleared for updates completed earlier
	status := "stable"
	if request == entity.RequestTesting {
		status = "testing"
	}

	adv := Advisory{
		From:        fromAddr,
		Status:      status,
		Type:        string(utype),
		Version:     "2.0",
		ID:          u.Alias,
		Title:       u.Title,
		Issued:      Date{Date: submitted.UTC().Format(dateLayout)},
		Updated:     Date{Date: issued.UTC().Format(dateLayout)},
		Release:     release.LongName,
		Severity:    u.Severity,
		Summary:     summary(release, utype, u.Builds),
		Description: u.Notes,
		Collection: Collection{
			Short: release.Name,
			Name:  release.LongName,
		},
	}
	for _, ref := range u.References {
		adv.References = append(adv.References, Reference{
			Href:  ref.URL,
			ID:    ref.ID,
			Type:  ref.Type,
			Title: ref.Title,
		})
	}
	// the update itself, so clients can link back to it
	adv.References = append(adv.References, Reference{
		ID:    u.Alias,
		Type:  "self",
		Title: u.Title,
	})

	builds := append([]entity.Build(nil), u.Builds...)
	entity.SortBuilds(builds)
	for _, b := range builds {
		nvr, err := entity.ParseNVR(b.NVR)
		if err != nil {
			return Advisory{}, err
		}
		adv.Collection.Packages = append(adv.Collection.Packages, Package{
			Name:     nvr.Name,
			Version:  nvr.Version,
			Release:  nvr.Release,
			Epoch:    "0",
			Arch:     "src",
			Src:      nvr.String() + ".src.rpm",
			Filename: nvr.String() + ".src.rpm",
		})
	}
	return adv, nil
}

func summary(release entity.Release, utype entity.UpdateType, builds []entity.Build) string {
	var names []string
	for _, b := range builds {
		names = append(names, b.NVR)
	}
	return fmt.Sprintf("%s %s update for %s", release.LongName, utype, strings.Join(names, ", "))
}

// Marshal renders the document with an XML header.
func (d *Document) Marshal() ([]byte, error) {
	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// WriteFile writes the document atomically to path.
func (d *Document) WriteFile(path string) error {
	data, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("failed to render updateinfo: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
