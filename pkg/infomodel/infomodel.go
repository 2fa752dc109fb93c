// Package infomodel holds the wire representation of catalog entities as
// they appear in self-descriptions and description responses.
package infomodel

import (
	"time"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
)

// PropertySink accepts extension attributes copied from a domain entity.
type PropertySink interface {
	SetProperty(key, value string)
}

// Properties is the extension-attribute map every wire type embeds.
type Properties struct {
	Additional map[string]string `json:"additional,omitempty"`
}

func (p *Properties) SetProperty(key, value string) {
	if p.Additional == nil {
		p.Additional = make(map[string]string)
	}
	p.Additional[key] = value
}

// Connector is the self-description of this node.
type Connector struct {
	ID             string                    `json:"@id"`
	Title          string                    `json:"title,omitempty"`
	ModelVersion   string                    `json:"outboundModelVersion"`
	InboundModels  []string                  `json:"inboundModelVersion"`
	SecurityLevel  contracts.SecurityProfile `json:"securityProfile,omitempty"`
	Catalogs       []*Catalog                `json:"resourceCatalog"`
	AccessEndpoint string                    `json:"hasDefaultEndpoint,omitempty"`
}

type Catalog struct {
	ID          string      `json:"@id"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Resources   []*Resource `json:"offeredResource,omitempty"`
	Properties
}

type Resource struct {
	ID              string            `json:"@id"`
	Title           string            `json:"title,omitempty"`
	Description     string            `json:"description,omitempty"`
	Keywords        []string          `json:"keyword,omitempty"`
	Publisher       string            `json:"publisher,omitempty"`
	Language        string            `json:"language,omitempty"`
	License         string            `json:"standardLicense,omitempty"`
	Version         string            `json:"version,omitempty"`
	Created         time.Time         `json:"created"`
	Modified        time.Time         `json:"modified"`
	Representations []*Representation `json:"representation,omitempty"`
	ContractOffers  []*ContractOffer  `json:"contractOffer,omitempty"`
	Properties
}

type Representation struct {
	ID        string      `json:"@id"`
	MediaType string      `json:"mediaType,omitempty"`
	Language  string      `json:"language,omitempty"`
	Standard  string      `json:"representationStandard,omitempty"`
	Created   time.Time   `json:"created"`
	Modified  time.Time   `json:"modified"`
	Artifacts []*Artifact `json:"instance,omitempty"`
	Properties
}

type Artifact struct {
	ID       string    `json:"@id"`
	FileName string    `json:"fileName,omitempty"`
	ByteSize int64     `json:"byteSize"`
	Checksum string    `json:"checkSum,omitempty"`
	Created  time.Time `json:"creationDate"`
	Properties
}

type ContractOffer struct {
	ID       string           `json:"@id"`
	Title    string           `json:"title,omitempty"`
	Consumer string           `json:"consumer,omitempty"`
	Provider string           `json:"provider,omitempty"`
	Start    time.Time        `json:"contractStart"`
	End      time.Time        `json:"contractEnd"`
	Rules    []contracts.Rule `json:"permission,omitempty"`
	Properties
}
