package middleware

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
)

// AuditLogger middleware logs API actions to audit log
func AuditLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip non-modifying requests
		method := c.Method()
		if method == "GET" || method == "HEAD" || method == "OPTIONS" {
			return c.Next()
		}

		// Skip certain paths
		path := c.Path()
		skipPaths := []string{"/api/auth/login", "/api/auth/refresh", "/health"}
		for _, skip := range skipPaths {
			if strings.HasPrefix(path, skip) {
				return c.Next()
			}
		}

		user := GetCurrentUser(c)
		ip := c.IP()
		userAgent := c.Get("User-Agent")

		// Capture request body for POST/PUT (to get entity name)
		var requestBody []byte
		if method == "POST" || method == "PUT" || method == "PATCH" {
			requestBody = c.Body()
		}

		// For DELETE, capture entity name BEFORE deletion
		var entityNameBeforeDelete string
		if method == "DELETE" {
			entityType := getEntityTypeFromPath(path)
			entityID := extractIDFromPath(path)
			if entityID != "" {
				entityNameBeforeDelete = getEntityName(entityType, entityID)
			}
		}

		// Execute the request
		err := c.Next()

		// Only log successful responses
		statusCode := c.Response().StatusCode()
		if statusCode >= 200 && statusCode < 400 && user != nil {
			logAuditEntry(user, method, path, ip, userAgent, requestBody, entityNameBeforeDelete)
		}

		return err
	}
}

// extractIDFromPath gets the numeric ID from URL path
func extractIDFromPath(path string) string {
	idRegex := regexp.MustCompile(`/(\d+)(?:/|$)`)
	matches := idRegex.FindStringSubmatch(path)
	if len(matches) > 1 {
		return matches[1]
	}
	return ""
}

func logAuditEntry(user *models.User, method, path, ip, userAgent string, requestBody []byte, preDeleteName string) {
	if user == nil {
		return
	}

	// Determine action based on method and path
	var action models.AuditAction
	switch {
	case strings.Contains(path, "/enqueue") || strings.Contains(path, "/replicate"):
		action = models.AuditActionEnqueue
	case strings.Contains(path, "/cutover"):
		action = models.AuditActionCutOver
	case strings.Contains(path, "/restore"):
		action = models.AuditActionRestore
	case method == "POST":
		action = models.AuditActionCreate
	case method == "PUT", method == "PATCH":
		action = models.AuditActionUpdate
	case method == "DELETE":
		action = models.AuditActionDelete
	default:
		return
	}

	entityType := getEntityTypeFromPath(path)
	if entityType == "" {
		return
	}

	description := generateDescription(action, entityType, path, requestBody, preDeleteName)

	auditLog := models.AuditLog{
		UserID:      user.ID,
		Username:    user.Username,
		UserType:    user.UserType,
		Action:      action,
		EntityType:  entityType,
		Description: description,
		IPAddress:   ip,
		UserAgent:   userAgent,
	}
	database.DB.Create(&auditLog)
}

// generateDescription creates a human-readable description for audit logs
func generateDescription(action models.AuditAction, entityType, path string, requestBody []byte, preDeleteName string) string {
	entityID := extractIDFromPath(path)

	var entityName string
	if action == models.AuditActionDelete && preDeleteName != "" {
		entityName = preDeleteName
	} else if action == models.AuditActionCreate && len(requestBody) > 0 {
		entityName = getNameFromRequestBody(requestBody)
	} else if entityID != "" {
		entityName = getEntityName(entityType, entityID)
	}

	actionVerbs := map[models.AuditAction]string{
		models.AuditActionCreate:  "Created",
		models.AuditActionUpdate:  "Updated",
		models.AuditActionDelete:  "Deleted",
		models.AuditActionEnqueue: "Enqueued",
		models.AuditActionCutOver: "Requested cut-over for",
		models.AuditActionRestore: "Triggered restore for",
	}
	verb := actionVerbs[action]

	if strings.Contains(path, "/link") {
		return "Linked backup account to " + entityName
	}
	if strings.Contains(path, "/unlink") {
		return "Unlinked backup account from " + entityName
	}
	if strings.Contains(path, "/probe") {
		return "Probed " + entityName
	}
	if strings.Contains(path, "/suspend") {
		return "Toggled suspension for " + entityName
	}
	if strings.Contains(path, "/reconcile") {
		return "Started reconciliation for " + entityName
	}
	if strings.Contains(path, "/quiet-hold") {
		return "Changed quiet hold for " + entityName
	}

	if entityName != "" {
		return verb + " " + entityType + " \"" + entityName + "\""
	}
	return verb + " " + entityType
}

// getNameFromRequestBody extracts a display name from JSON request body
func getNameFromRequestBody(body []byte) string {
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return ""
	}

	nameFields := []string{"alias", "slug", "title", "name", "username", "email"}
	for _, field := range nameFields {
		if val, ok := data[field]; ok {
			if strVal, ok := val.(string); ok && strVal != "" {
				return strVal
			}
		}
	}
	return ""
}

// getEntityName looks up the entity name from database
func getEntityName(entityType, entityID string) string {
	if entityID == "" {
		return ""
	}

	switch entityType {
	case "account":
		var acct models.StorageAccount
		if database.DB.Select("alias").First(&acct, entityID).Error == nil {
			return acct.Alias
		}
	case "asset":
		var asset models.Asset
		if database.DB.Select("slug").First(&asset, entityID).Error == nil {
			return asset.Slug
		}
	case "user":
		var user models.User
		if database.DB.Select("username").First(&user, entityID).Error == nil {
			return user.Username
		}
	case "backup":
		return "backup #" + entityID
	case "notification":
		return "notification #" + entityID
	}
	return "#" + entityID
}

func getEntityTypeFromPath(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/api/"), "/")
	if len(parts) == 0 {
		return ""
	}

	entityMap := map[string]string{
		"accounts":      "account",
		"assets":        "asset",
		"replication":   "account",
		"restore":       "account",
		"users":         "user",
		"backups":       "backup",
		"notifications": "notification",
		"settings":      "settings",
	}

	if entity, ok := entityMap[parts[0]]; ok {
		return entity
	}
	return ""
}
