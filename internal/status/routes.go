package status

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/run"
	"gorm.io/gorm"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, db *gorm.DB) {
	api := router.Group("/api")

	api.GET("/importers", handleImporterList(db))
	api.GET("/importers/:id", handleImporterDetail(db))
	api.GET("/importers/:id/runs", handleRuns(db, models.OwnerImporter))
	api.GET("/importers/:id/entries", handleEntries(db, models.OwnerImporter))

	api.GET("/exporters", handleExporterList(db))
	api.GET("/exporters/:id", handleExporterDetail(db))
	api.GET("/exporters/:id/runs", handleRuns(db, models.OwnerExporter))
	api.GET("/exporters/:id/download", handleDownload(db))

	api.GET("/runs/:id", handleRun(db))
	api.GET("/entries/:id", handleEntry(db))
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id " + strconv.Quote(c.Param("id"))})
		return 0, false
	}
	return uint(id), true
}

func fail(c *gin.Context, err error) {
	code := http.StatusNotFound
	if failure.Classify(err) == failure.KindInfrastructure {
		code = http.StatusInternalServerError
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func notFound(c *gin.Context, what string, id uint) {
	c.JSON(http.StatusNotFound, gin.H{"error": what + " not found: " + strconv.FormatUint(uint64(id), 10)})
}

func handleImporterList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := ListImporters(db)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func handleImporterDetail(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		v, err := Importer(db, id)
		if err != nil {
			fail(c, err)
			return
		}
		if v == nil {
			notFound(c, "importer", id)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

func handleExporterList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := ListExporters(db)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func handleExporterDetail(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		v, err := Exporter(db, id)
		if err != nil {
			fail(c, err)
			return
		}
		if v == nil {
			notFound(c, "exporter", id)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

func handleRuns(db *gorm.DB, ownerKind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		runs, err := run.List(db, id, ownerKind)
		if err != nil {
			fail(c, err)
			return
		}
		out := make([]run.Snapshot, len(runs))
		for i := range runs {
			out[i] = run.Snap(&runs[i], "")
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleEntries(db *gorm.DB, ownerKind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		f := entry.ListFilters{OwnerID: id, OwnerKind: ownerKind, Status: c.Query("status"), Kind: c.Query("kind")}
		if l := c.Query("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			f.Limit = n
		}
		rows, err := entry.List(db, f)
		if err != nil {
			fail(c, failure.Infrastructure("status: list entries", err))
			return
		}
		out := make([]EntryView, len(rows))
		for i := range rows {
			out[i] = entryView(&rows[i])
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleRun(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		snap, err := run.Load(db, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func handleEntry(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		e, err := entry.Get(db, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, entryView(e))
	}
}

func handleDownload(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var ex models.Exporter
		result := db.Limit(1).Find(&ex, id)
		if result.Error != nil {
			fail(c, failure.Infrastructure("status: get exporter", result.Error))
			return
		}
		if result.RowsAffected == 0 {
			notFound(c, "exporter", id)
			return
		}
		if ex.ArtifactPath == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "exporter has no artifact yet"})
			return
		}
		c.FileAttachment(ex.ArtifactPath, filepath.Base(ex.ArtifactPath))
	}
}
