package mrkt

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"tg-giveaway-farmer/internal/domain"
)

type giveawayDTO struct {
	ID                    string      `json:"id"`
	ParticipantsCount     int         `json:"participantsCount"`
	IsForPremium          bool        `json:"isForPremium"`
	IsForActiveTraders    bool        `json:"isForActiveTraders"`
	IsChanelBoostRequired bool        `json:"isChanelBoostRequired"`
	ValidationStatus      string      `json:"validationStatus"`
	Channels              channelList `json:"channels"`
	RequiredChannels      channelList `json:"requiredChannels"`
	PreviewGift           struct {
		Title          string `json:"title"`
		CollectionName string `json:"collectionName"`
	} `json:"previewGift"`
	GiftCollectionName string `json:"giftCollectionName"`
}

func (d giveawayDTO) toDomain() domain.Giveaway {
	collection := d.GiftCollectionName
	if collection == "" {
		collection = d.PreviewGift.CollectionName
	}
	return domain.Giveaway{
		ID:                   d.ID,
		Title:                d.PreviewGift.Title,
		ParticipantsCount:    max(d.ParticipantsCount, 0),
		RequiresPremium:      d.IsForPremium,
		RequiresActiveTrader: d.IsForActiveTraders,
		RequiresChannelBoost: d.IsChanelBoostRequired,
		GiftCollectionName:   collection,
		RequiredChannels:     unionChannels(d.Channels, d.RequiredChannels),
		ValidationStatus:     domain.ParseValidationStatus(d.ValidationStatus),
	}
}

// channelList принимает как массив строк, так и массив объектов с именем канала.
type channelList []string

func (l *channelList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			out = append(out, name)
			continue
		}
		var obj struct {
			Channel  string `json:"channel"`
			Username string `json:"username"`
			Name     string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return err
		}
		switch {
		case obj.Channel != "":
			out = append(out, obj.Channel)
		case obj.Username != "":
			out = append(out, obj.Username)
		case obj.Name != "":
			out = append(out, obj.Name)
		}
	}
	*l = out
	return nil
}

// unionChannels объединяет списки, сохраняя порядок первого появления.
func unionChannels(lists ...channelList) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, ch := range list {
			key := domain.NormalizeChannel(ch)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, ch)
		}
	}
	return out
}

type giveawayPageDTO struct {
	Items      []giveawayDTO `json:"items"`
	NextCursor string        `json:"nextCursor"`
	Cursor     string        `json:"cursor"`
}

// ListGiveaways запрашивает страницу выдачи.
func (c *Client) ListGiveaways(ctx context.Context, giveawayType string, count int, cursor string) (domain.GiveawayPage, error) {
	q := url.Values{}
	q.Set("type", giveawayType)
	q.Set("count", strconv.Itoa(count))
	q.Set("cursor", cursor)

	var resp giveawayPageDTO
	if err := c.Request(ctx, http.MethodGet, "/giveaways", q, nil, &resp); err != nil {
		return domain.GiveawayPage{}, err
	}
	page := domain.GiveawayPage{NextCursor: resp.NextCursor}
	if page.NextCursor == "" {
		page.NextCursor = resp.Cursor
	}
	for _, item := range resp.Items {
		if item.ID == "" {
			c.log.Debug().Msg("mrkt: пропускаем розыгрыш без id")
			continue
		}
		page.Items = append(page.Items, item.toDomain())
	}
	return page, nil
}

type validationsDTO struct {
	IsPremium          bool   `json:"isPremium"`
	IsActiveTrader     bool   `json:"isActiveTrader"`
	ValidationStatus   string `json:"validationStatus"`
	ChannelValidations []struct {
		Channel   string `json:"channel"`
		IsMember  string `json:"isMember"`
		IsBoosted string `json:"isBoosted"`
	} `json:"channelValidations"`
}

// GetValidations возвращает состояние условий розыгрыша для аккаунта.
func (c *Client) GetValidations(ctx context.Context, giveawayID string) (domain.Validations, error) {
	var resp validationsDTO
	if err := c.Request(ctx, http.MethodGet, "/giveaways/check-validations/"+url.PathEscape(giveawayID), nil, nil, &resp); err != nil {
		return domain.Validations{}, err
	}
	v := domain.Validations{
		IsPremium:      resp.IsPremium,
		IsActiveTrader: resp.IsActiveTrader,
		Status:         domain.ParseValidationStatus(resp.ValidationStatus),
	}
	for _, cv := range resp.ChannelValidations {
		if cv.Channel == "" {
			continue
		}
		v.ChannelValidations = append(v.ChannelValidations, domain.ChannelValidation{
			Channel:  cv.Channel,
			IsMember: domain.ParseValidationStatus(cv.IsMember),
			IsBoost:  domain.ParseValidationStatus(cv.IsBoosted),
		})
	}
	return v, nil
}

// StartValidation просит сервер проверить условие по каналу.
func (c *Client) StartValidation(ctx context.Context, giveawayID, channel string, kind domain.ValidationKind) (string, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("type", string(kind))
	if err := c.Request(ctx, http.MethodPost, "/giveaways/start-validation/"+url.PathEscape(giveawayID), q, nil, nil); err != nil {
		return "Failed", err
	}
	return "Success", nil
}

// BuyTicket покупает один билет розыгрыша.
func (c *Client) BuyTicket(ctx context.Context, giveawayID string) (map[string]any, error) {
	q := url.Values{}
	q.Set("count", "1")
	var resp map[string]any
	if err := c.Request(ctx, http.MethodPost, "/giveaways/buy-tickets/"+url.PathEscape(giveawayID), q, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetBalance возвращает баланс в нанотонах.
func (c *Client) GetBalance(ctx context.Context) (domain.Balance, error) {
	var resp struct {
		Hard int64 `json:"hard"`
	}
	if err := c.Request(ctx, http.MethodGet, "/balance", nil, nil, &resp); err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{Hard: resp.Hard}, nil
}

// GetGiftInventory возвращает статистику подарков.
func (c *Client) GetGiftInventory(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.Request(ctx, http.MethodGet, "/gift-statistics", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetProfile возвращает профиль пользователя сервиса.
func (c *Client) GetProfile(ctx context.Context) (domain.Profile, error) {
	var raw map[string]any
	if err := c.Request(ctx, http.MethodGet, "/me", nil, nil, &raw); err != nil {
		return domain.Profile{}, err
	}
	p := domain.Profile{Raw: raw}
	if id, ok := raw["id"].(float64); ok {
		p.ID = int64(id)
	}
	if name, ok := raw["username"].(string); ok {
		p.Username = name
	}
	return p, nil
}
