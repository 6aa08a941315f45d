package tools

import (
	"context"
	"errors"
	"time"
)

// RegisterBuiltins installs the stock demo tools. Handlers return simulated
// payloads; they exist to exercise function calling end to end and show the
// shapes real integrations would return.
func RegisterBuiltins(r *Registry) {
	r.Register(Descriptor{
		Name:        "get_weather",
		Description: "Get current weather information for a location.",
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Param{
				"location": {Type: "string", Description: "City name or coordinates"},
				"units":    {Type: "string", Description: "Temperature units: celsius or fahrenheit"},
			},
			Required: []string{"location"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			location := stringArg(args, "location")
			if location == "" {
				return nil, errors.New("location is required")
			}
			units := stringArg(args, "units")
			if units == "" {
				units = "celsius"
			}
			temperature := 22
			if units == "fahrenheit" {
				temperature = 72
			}
			return map[string]any{
				"location":    location,
				"temperature": temperature,
				"condition":   "Partly Cloudy",
				"humidity":    65,
				"windSpeed":   15,
				"units":       units,
				"message":     "Weather data retrieved (simulated)",
			}, nil
		},
	})

	r.Register(Descriptor{
		Name:        "execute_sql_query",
		Description: "Execute a SQL query on a database. Use this for data retrieval and analytics.",
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Param{
				"query":    {Type: "string", Description: "The SQL query to execute"},
				"database": {Type: "string", Description: "The database name (optional, defaults to main)"},
			},
			Required: []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query := stringArg(args, "query")
			if query == "" {
				return nil, errors.New("query is required")
			}
			database := stringArg(args, "database")
			if database == "" {
				database = "main"
			}
			return map[string]any{
				"success":  true,
				"database": database,
				"query":    query,
				"rows": []map[string]any{
					{"id": 1, "name": "Example", "value": 100},
					{"id": 2, "name": "Sample", "value": 200},
				},
				"rowCount": 2,
				"message":  "Query executed successfully (simulated)",
			}, nil
		},
	})

	r.Register(Descriptor{
		Name:        "get_analytics",
		Description: "Retrieve analytics data for a given time period and metric.",
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Param{
				"metric":    {Type: "string", Description: "The metric to retrieve (e.g., \"users\", \"revenue\", \"conversions\")"},
				"startDate": {Type: "string", Description: "Start date in ISO format (YYYY-MM-DD)"},
				"endDate":   {Type: "string", Description: "End date in ISO format (YYYY-MM-DD)"},
			},
			Required: []string{"metric", "startDate", "endDate"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			metric := stringArg(args, "metric")
			start := stringArg(args, "startDate")
			end := stringArg(args, "endDate")
			return map[string]any{
				"metric": metric,
				"period": map[string]string{"start": start, "end": end},
				"value":  12345,
				"trend":  "+12.5%",
				"dataPoints": []map[string]any{
					{"date": start, "value": 10000},
					{"date": end, "value": 12345},
				},
				"message": "Analytics retrieved successfully (simulated)",
			}, nil
		},
	})

	r.Register(Descriptor{
		Name:        "search_knowledge_base",
		Description: "Search the knowledge base for relevant information on a topic.",
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Param{
				"query":      {Type: "string", Description: "The search query"},
				"maxResults": {Type: "number", Description: "Maximum number of results to return (default: 5)"},
			},
			Required: []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query := stringArg(args, "query")
			if query == "" {
				return nil, errors.New("query is required")
			}
			return map[string]any{
				"query": query,
				"results": []map[string]any{
					{"title": "Example Document 1", "content": "Relevant information about " + query, "relevance": 0.95},
					{"title": "Example Document 2", "content": "Additional context for " + query, "relevance": 0.87},
				},
				"totalResults": 2,
				"message":      "Knowledge base search completed (simulated)",
			}, nil
		},
	})

	r.Register(Descriptor{
		Name:        "call_external_api",
		Description: "Make a call to an external API endpoint.",
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Param{
				"url":    {Type: "string", Description: "The API endpoint URL"},
				"method": {Type: "string", Description: "HTTP method (GET, POST, PUT, DELETE)"},
				"body":   {Type: "object", Description: "Request body (for POST/PUT)"},
			},
			Required: []string{"url", "method"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			url := stringArg(args, "url")
			if url == "" {
				return nil, errors.New("url is required")
			}
			method := stringArg(args, "method")
			if method == "" {
				method = "GET"
			}
			return map[string]any{
				"url":    url,
				"method": method,
				"status": 200,
				"data": map[string]any{
					"message":   "API call successful (simulated)",
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				},
			}, nil
		},
	})
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	value, ok := args[key]
	if !ok {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	return ""
}
