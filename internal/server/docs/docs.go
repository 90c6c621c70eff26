// Package docs contains the generated swagger documentation.
// Run `swag init -g internal/server/server.go -o internal/server/docs` to regenerate.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "RbxSync Broker API",
        "description": "Local loopback broker coordinating a Roblox Studio editor plugin, sync clients and playtest bots.",
        "version": "1.0"
    },
    "host": "127.0.0.1:44755",
    "basePath": "/",
    "paths": {
        "/rbxsync/places": {
            "get": {
                "produces": ["application/json"],
                "tags": ["registry"],
                "summary": "List registered editor places",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/PlacesResponse"}
                    }
                }
            }
        },
        "/sync/command": {
            "post": {
                "produces": ["application/json"],
                "tags": ["dispatch"],
                "summary": "Dispatch a command to the editor and wait for its response",
                "responses": {
                    "200": {"description": "OK"},
                    "504": {"description": "Timeout", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            }
        },
        "/extract/start": {
            "post": {
                "produces": ["application/json"],
                "tags": ["extraction"],
                "summary": "Begin a chunked instance-tree extraction session",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/console/subscribe": {
            "get": {
                "produces": ["text/event-stream"],
                "tags": ["console"],
                "summary": "Server-sent-events stream of editor console output",
                "responses": {"200": {"description": "OK"}}
            }
        }
    },
    "definitions": {
        "PlacesResponse": {
            "type": "object",
            "properties": {
                "places": {"type": "array", "items": {"$ref": "#/definitions/Place"}}
            }
        },
        "Place": {
            "type": "object",
            "properties": {
                "place_id": {"type": "integer", "format": "int64"},
                "place_name": {"type": "string"},
                "project_dir": {"type": "string"},
                "session_id": {"type": "string"}
            }
        },
        "ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "message": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "127.0.0.1:44755",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "RbxSync Broker API",
	Description:      "Local loopback broker coordinating a Roblox Studio editor plugin, sync clients and playtest bots.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
