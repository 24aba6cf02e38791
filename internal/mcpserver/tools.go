package mcpserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"marketplace-backend/internal/apperr"
	"marketplace-backend/internal/catalog"
)

const descriptionPreview = 100

type tools struct {
	catalog *catalog.Catalog
}

func (t *tools) searchItems(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	matches := t.catalog.Search(req.GetString("query", ""), req.GetString("category", ""), req.GetFloat("max_price", 0))
	if len(matches) == 0 {
		return mcp.NewToolResultText("No items found matching your criteria."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d items:\n", len(matches))
	for _, m := range matches {
		it := m.Item
		highest := "No offers yet"
		if m.HighestOffer != nil {
			highest = "Highest offer: " + money(m.HighestOffer.Amount)
		}
		fmt.Fprintf(&b, "\n%s (ID: %s)\n", it.Title, it.ID)
		fmt.Fprintf(&b, "Asking: %s | %s\n", money(it.AskingPrice), highest)
		fmt.Fprintf(&b, "Location: %s | Condition: %s\n", it.Location, it.Condition)
		fmt.Fprintf(&b, "Seller: %s (rating %s)\n", it.Seller, num(it.SellerRating))
		fmt.Fprintf(&b, "%s\n", preview(it.Description))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (t *tools) getItemDetails(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("item_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	it, err := t.catalog.Item(id)
	if err != nil {
		return lookupError(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (ID: %s)\n", it.Title, it.ID)
	fmt.Fprintf(&b, "Asking Price: %s\n", money(it.AskingPrice))
	fmt.Fprintf(&b, "Category: %s | Condition: %s\n", it.Category, it.Condition)
	fmt.Fprintf(&b, "Location: %s\n", it.Location)
	fmt.Fprintf(&b, "Seller: %s (%s/5.0)\n", it.Seller, num(it.SellerRating))
	fmt.Fprintf(&b, "Posted: %s\n", it.PostedDate)
	fmt.Fprintf(&b, "Images: %s\n", strings.Join(it.Images, ", "))
	fmt.Fprintf(&b, "\nDescription:\n%s\n", it.Description)
	if len(it.Offers) == 0 {
		b.WriteString("\nNo offers yet - be the first!\n")
	} else {
		b.WriteString("\nCurrent Offers:\n")
		for i, o := range it.Offers {
			fmt.Fprintf(&b, "  %d. %s from %s (%s)\n", i+1, money(o.Amount), o.Buyer, o.Date)
			fmt.Fprintf(&b, "     Message: %q\n", o.Message)
		}
	}
	fmt.Fprintf(&b, "\nStatus: %s\n", strings.ToUpper(it.Status))
	return mcp.NewToolResultText(b.String()), nil
}

func (t *tools) getOffersForItem(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("item_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s, err := t.catalog.OffersFor(id)
	if err != nil {
		return lookupError(err)
	}
	if len(s.Offers) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No offers yet for '%s'. Asking price: %s", s.Item.Title, money(s.Item.AskingPrice))), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Offers for: %s (Asking: %s)\n\n", s.Item.Title, money(s.Item.AskingPrice))
	for i, o := range s.Offers {
		fmt.Fprintf(&b, "%d. %s from %s\n", i+1, money(o.Amount), o.Buyer)
		fmt.Fprintf(&b, "   Date: %s\n", o.Date)
		fmt.Fprintf(&b, "   Message: %q\n\n", o.Message)
	}
	fmt.Fprintf(&b, "Highest offer is %.1f%% of asking price", s.TopPercent)
	return mcp.NewToolResultText(b.String()), nil
}

func (t *tools) listCategories(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	b.WriteString("Available Categories:\n\n")
	for _, c := range t.catalog.Categories() {
		fmt.Fprintf(&b, "- %s (%d items)\n", c.Name, c.Count)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (t *tools) getMarketplaceStats(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s := t.catalog.Stats()

	var b strings.Builder
	b.WriteString("Marketplace Statistics\n\n")
	fmt.Fprintf(&b, "Total Items: %d\n", s.TotalItems)
	fmt.Fprintf(&b, "Total Offers: %d\n", s.TotalOffers)
	fmt.Fprintf(&b, "Average Asking Price: $%.2f\n", s.AvgAskingPrice)
	fmt.Fprintf(&b, "Average Offer Amount: $%.2f\n", s.AvgOfferAmount)
	b.WriteString("\nCategory Breakdown:\n")
	for _, c := range s.Categories {
		fmt.Fprintf(&b, "- %s: %d items\n", c.Name, c.Count)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// lookupError reports an unknown item as an error result; anything else is
// passed up to guard.
func lookupError(err error) (*mcp.CallToolResult, error) {
	if apperr.IsNotFound(err) {
		return mcp.NewToolResultError(apperr.Message(err)), nil
	}
	return nil, err
}

func money(v float64) string { return "$" + num(v) }

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func preview(s string) string {
	r := []rune(s)
	if len(r) <= descriptionPreview {
		return s
	}
	return string(r[:descriptionPreview]) + "..."
}
