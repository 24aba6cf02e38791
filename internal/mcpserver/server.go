package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	log "github.com/sirupsen/logrus"

	"marketplace-backend/internal/catalog"
)

const (
	Name    = "used-goods-marketplace"
	Version = "1.0.0"
)

// toolDef pairs a tool schema with its handler.
type toolDef struct {
	tool    mcp.Tool
	handler server.ToolHandlerFunc
}

// New builds the tool server over c. The catalog is read-only, so handlers
// need no locking.
func New(c *catalog.Catalog) *server.MCPServer {
	s := server.NewMCPServer(Name, Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	for _, d := range toolDefs(&tools{catalog: c}) {
		s.AddTool(d.tool, guard(d.tool.Name, d.handler))
	}
	return s
}

func toolDefs(t *tools) []toolDef {
	return []toolDef{
		{
			tool: mcp.NewTool("search_items",
				mcp.WithDescription("Search for items in the marketplace by keyword, category or maximum price."),
				mcp.WithString("query", mcp.Description("Search term for item title/description")),
				mcp.WithString("category", mcp.Description("Filter by category (Electronics, Furniture, Sports, etc.)")),
				mcp.WithNumber("max_price", mcp.Description("Maximum asking price filter; 0 means no limit")),
			),
			handler: t.searchItems,
		},
		{
			tool: mcp.NewTool("get_item_details",
				mcp.WithDescription("Get detailed information about a specific item including all offers."),
				mcp.WithString("item_id", mcp.Required(), mcp.Description("The ID of the item to retrieve")),
			),
			handler: t.getItemDetails,
		},
		{
			tool: mcp.NewTool("get_offers_for_item",
				mcp.WithDescription("Get all offers for a specific item, sorted by amount."),
				mcp.WithString("item_id", mcp.Required(), mcp.Description("The ID of the item")),
			),
			handler: t.getOffersForItem,
		},
		{
			tool: mcp.NewTool("list_categories",
				mcp.WithDescription("Get all available categories in the marketplace."),
			),
			handler: t.listCategories,
		},
		{
			tool: mcp.NewTool("get_marketplace_stats",
				mcp.WithDescription("Get overall marketplace statistics."),
			),
			handler: t.getMarketplaceStats,
		},
	}
}

// guard turns handler errors and panics into error results so a failing tool
// never becomes a protocol fault.
func guard(name string, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (res *mcp.CallToolResult, err error) {
		defer func() {
			if p := recover(); p != nil {
				log.WithFields(log.Fields{"tool": name, "panic": p}).Error("mcpserver: tool panicked")
				res, err = mcp.NewToolResultError(fmt.Sprintf("Error running %s: %v", name, p)), nil
			}
		}()
		res, err = h(ctx, req)
		if err != nil {
			log.WithError(err).WithField("tool", name).Warn("mcpserver: tool failed")
			return mcp.NewToolResultError(fmt.Sprintf("Error running %s: %v", name, err)), nil
		}
		return res, nil
	}
}
