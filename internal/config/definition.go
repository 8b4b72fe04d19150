package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/notch8/bulkrax/internal/mapping"
	"gopkg.in/yaml.v3"
)

// ParserFields are the per-importer source settings.
type ParserFields struct {
	ImportFilePath          string `yaml:"import_file_path" json:"import_file_path,omitempty"`
	BaseURL                 string `yaml:"base_url" json:"base_url,omitempty"`
	Set                     string `yaml:"set" json:"set,omitempty"`
	MetadataPrefix          string `yaml:"metadata_prefix" json:"metadata_prefix,omitempty"`
	MetadataFileName        string `yaml:"metadata_file_name" json:"metadata_file_name,omitempty"`
	MetadataFormat          string `yaml:"metadata_format" json:"metadata_format,omitempty"`
	RightsStatement         string `yaml:"rights_statement" json:"rights_statement,omitempty"`
	OverrideRightsStatement bool   `yaml:"override_rights_statement" json:"override_rights_statement,omitempty"`
	Visibility              string `yaml:"visibility" json:"visibility,omitempty"`
	WorkType                string `yaml:"work_type" json:"work_type,omitempty"`
}

// ImporterDef is an importer definition file.
type ImporterDef struct {
	Name         string        `yaml:"name"`
	Format       string        `yaml:"format"`
	User         string        `yaml:"user"`
	Limit        int           `yaml:"limit"`
	Frequency    string        `yaml:"frequency"`
	ReplaceFiles bool          `yaml:"replace_files"`
	ParserFields ParserFields  `yaml:"parser_fields"`
	FieldMapping mapping.Table `yaml:"field_mapping"`
}

// ExporterDef is an exporter definition file.
type ExporterDef struct {
	Name         string        `yaml:"name"`
	Format       string        `yaml:"format"`
	User         string        `yaml:"user"`
	ExportFrom   string        `yaml:"export_from"`
	ExportSource string        `yaml:"export_source"`
	ExportType   string        `yaml:"export_type"`
	Limit        int           `yaml:"limit"`
	FieldMapping mapping.Table `yaml:"field_mapping"`
}

// LoadImporter reads and validates an importer definition file.
func LoadImporter(path string) (*ImporterDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseImporter(data)
}

// ParseImporter unmarshals and validates an importer definition.
func ParseImporter(data []byte) (*ImporterDef, error) {
	var def ImporterDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("config: parse importer: %w", err)
	}
	if def.ParserFields.Visibility == "" {
		def.ParserFields.Visibility = "open"
	}
	if def.Format == "oai" && def.ParserFields.MetadataPrefix == "" {
		def.ParserFields.MetadataPrefix = "oai_dc"
	}

	var errs []string
	if def.Name == "" {
		errs = append(errs, "name is required")
	}
	switch def.Format {
	case "csv":
		if def.ParserFields.ImportFilePath == "" {
			errs = append(errs, "parser_fields.import_file_path is required for csv")
		}
	case "bagit":
		if def.ParserFields.ImportFilePath == "" {
			errs = append(errs, "parser_fields.import_file_path is required for bagit")
		}
		if def.ParserFields.MetadataFileName == "" {
			errs = append(errs, "parser_fields.metadata_file_name is required for bagit")
		}
	case "oai":
		if def.ParserFields.BaseURL == "" {
			errs = append(errs, "parser_fields.base_url is required for oai")
		}
	case "":
		errs = append(errs, "format is required")
	default:
		errs = append(errs, fmt.Sprintf("format %q must be one of csv, oai, bagit", def.Format))
	}
	if def.Limit < 0 {
		errs = append(errs, "limit must not be negative")
	}
	if _, err := mapping.New(def.FieldMapping); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: importer validation failed: %s", strings.Join(errs, "; "))
	}
	return &def, nil
}

// LoadExporter reads and validates an exporter definition file.
func LoadExporter(path string) (*ExporterDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseExporter(data)
}

// ParseExporter unmarshals and validates an exporter definition.
func ParseExporter(data []byte) (*ExporterDef, error) {
	var def ExporterDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("config: parse exporter: %w", err)
	}
	if def.Format == "" {
		def.Format = "csv"
	}
	if def.ExportType == "" {
		def.ExportType = "metadata"
	}

	var errs []string
	if def.Name == "" {
		errs = append(errs, "name is required")
	}
	if def.Format != "csv" {
		errs = append(errs, fmt.Sprintf("format %q must be csv", def.Format))
	}
	switch def.ExportFrom {
	case "importer", "collection", "worktype":
	case "":
		errs = append(errs, "export_from is required")
	default:
		errs = append(errs, fmt.Sprintf("export_from %q must be one of importer, collection, worktype", def.ExportFrom))
	}
	if def.ExportSource == "" {
		errs = append(errs, "export_source is required")
	}
	switch def.ExportType {
	case "metadata", "full":
	default:
		errs = append(errs, fmt.Sprintf("export_type %q must be metadata or full", def.ExportType))
	}
	if def.Limit < 0 {
		errs = append(errs, "limit must not be negative")
	}
	if _, err := mapping.New(def.FieldMapping); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: exporter validation failed: %s", strings.Join(errs, "; "))
	}
	return &def, nil
}
