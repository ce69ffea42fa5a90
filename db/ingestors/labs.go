package db

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	ot "github.com/opentracing/opentracing-go"

	dbpkg "github.com/rangelab-io/rangelab-core/db"
	models "github.com/rangelab-io/rangelab-core/db/models"
)

var (
	// General errors
	errBasicValidation = errors.New("Failed basic validation")

	// Lab-specific errors
	errMissingBaseImage    = errors.New("Base image file not found")
	errUnknownNetworkMode  = errors.New("Unrecognized network mode")
	errUnknownFlagMode     = errors.New("Unrecognized flag mode")
	errMissingLocations    = errors.New("Generated flag has no candidate locations")
	errMissingStaticValue  = errors.New("Static flag has no value")
	errNonPositivePoints   = errors.New("Flag points must be positive")
	errBadHardwareConfig   = errors.New("VM hardware configuration out of bounds")
	errNoFlagsConfigured   = errors.New("Lab must configure at least one flag")
	errDuplicateLabSlug    = errors.New("Duplicate lab slugs detected")
	errMissingLabStructure = errors.New("Lab definition missing required sections")
)

// ImportLabs reads lab definitions from the configured lab directory, validates them,
// and imports them into the provided DataManager.
func ImportLabs(sc ot.SpanContext, dm dbpkg.DataManager, labDir string) error {
	span := ot.StartSpan("ingestors_import_labs", ot.ChildOf(sc))
	defer span.Finish()

	labs, err := ReadLabs(labDir)
	if err != nil {
		return err
	}

	return dm.InsertLabs(span.Context(), labs)
}

// ReadLabs reads lab definitions from the filesystem, validates them, and returns them
// in a slice.
func ReadLabs(labDir string) ([]*models.Lab, error) {

	// Get lab definitions
	fileList := []string{}
	log.Debugf("Searching %s for lab definitions", labDir)
	err := filepath.Walk(labDir, func(path string, f os.FileInfo, err error) error {
		labDefFile := fmt.Sprintf("%s/lab.meta.yaml", path)
		if _, err := os.Stat(labDefFile); err == nil {
			log.Debugf("Found lab definition at: %s", labDefFile)
			fileList = append(fileList, labDefFile)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	retLabs := []*models.Lab{}

	for f := range fileList {

		file := fileList[f]

		log.Infof("Importing lab definition at: %s", file)

		yamlDef, err := ioutil.ReadFile(file)
		if err != nil {
			log.Errorf("Encountered problem %s", err)
			continue
		}

		var lab models.Lab
		err = yaml.Unmarshal([]byte(yamlDef), &lab)
		if err != nil {
			log.Errorf("Failed to import %s: %s", file, err)
			continue
		}
		lab.LabFile = file
		lab.LabDir = filepath.Dir(file)

		err = validateLab(&lab)
		if err != nil {
			log.Errorf("Lab '%s' failed to validate", lab.Slug)
			continue
		}

		log.Infof("Successfully imported lab '%s' with %d flags.", lab.Slug, len(lab.Flags))

		retLabs = append(retLabs, &lab)
	}

	// Slugs must be unique across the whole lab directory, since they name
	// templates, overlays and instances downstream.
	seenSlugs := map[string]string{}
	for _, lab := range retLabs {
		if _, ok := seenSlugs[lab.Slug]; ok {
			log.Errorf("Lab slug %s appears more than once", lab.Slug)
			return nil, errDuplicateLabSlug
		}
		seenSlugs[lab.Slug] = lab.LabFile
	}

	if len(fileList) != len(retLabs) {
		log.Warnf("Imported %d lab definitions with errors.", len(retLabs))
		return retLabs, errors.New("Not all lab definitions were imported")
	}

	log.Infof("Imported %d lab definitions.", len(retLabs))
	return retLabs, nil

}

// validateLab validates a single lab, returning a simple error if the lab fails
// to validate.
func validateLab(lab *models.Lab) error {

	file := lab.LabFile

	// Most of the validation heavy lifting should be done via JSON schema as much as
	// possible. This should be run first, and then only checks that can't be done with
	// JSONschema will follow.
	if !lab.JSValidate() {
		log.Errorf("Basic schema validation failed on %s - see log for errors.", file)
		return errBasicValidation
	}

	if lab.VM == nil || lab.Credentials == nil {
		log.Errorf("Failed to import %s: missing vm or credentials section", file)
		return errMissingLabStructure
	}

	if lab.VM.NetworkMode != models.NetworkModeIsolated && lab.VM.NetworkMode != models.NetworkModeNAT {
		log.Errorf("Failed to import %s: unknown network mode %s", file, lab.VM.NetworkMode)
		return errUnknownNetworkMode
	}

	if lab.VM.RAMMB < 128 || lab.VM.RAMMB > 65536 || lab.VM.VCPUs < 1 || lab.VM.VCPUs > 16 {
		log.Errorf("Failed to import %s: hardware config out of bounds (%dMB RAM, %d vcpus)",
			file, lab.VM.RAMMB, lab.VM.VCPUs)
		return errBadHardwareConfig
	}

	// Base image must exist at import time. It's copied into the managed template
	// store on first session start, but catching a bad path here is much friendlier.
	imgPath := lab.BaseImage
	if !filepath.IsAbs(imgPath) {
		imgPath = filepath.Join(lab.LabDir, imgPath)
	}
	if _, err := os.Stat(imgPath); err != nil {
		log.Errorf("Failed to import %s: base image %s not found", file, imgPath)
		return errMissingBaseImage
	}

	if len(lab.Flags) == 0 {
		log.Errorf("Failed to import %s: no flags configured", file)
		return errNoFlagsConfigured
	}

	for name, flag := range lab.Flags {
		if flag.Points <= 0 {
			log.Errorf("Failed to import %s: flag %s has non-positive points", file, name)
			return errNonPositivePoints
		}
		switch flag.Mode {
		case models.FlagModeGenerated:
			if len(flag.Locations) == 0 {
				log.Errorf("Failed to import %s: generated flag %s has no locations", file, name)
				return errMissingLocations
			}
		case models.FlagModeStatic:
			if flag.StaticValue == "" {
				log.Errorf("Failed to import %s: static flag %s has no value", file, name)
				return errMissingStaticValue
			}
		default:
			log.Errorf("Failed to import %s: flag %s has unknown mode %s", file, name, flag.Mode)
			return errUnknownFlagMode
		}
	}

	return nil
}
