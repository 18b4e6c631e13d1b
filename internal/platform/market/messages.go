package market

import (
	"strings"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// Raw marketplace answers.
const (
	msgOK                 = "ok"
	msgTooEarlyToPong     = "too early for pong"
	msgCheckTokenOrMobile = "token_check_or_mobile_authenticator"
	msgBadTokenInvClosed  = "bad_token_inv_closed"
)

// buyMessages maps Buy result texts to normalized codes.
var buyMessages = map[string]domain.BuyResult{
	msgOK: domain.BuyOK,
	"Покупка данного предмета по такой цене невозможна. Обратитесь в техподдержку": domain.BuyBadOfferPrice,
	"К сожалению, предложение устарело. Обновите страницу":                         domain.BuyOfferExpired,
	"Кто-то уже покупает этот предмет. Попробуйте ещё":                             domain.BuySomebodyBuying,
	"Ошибка создания заявки: Не удалось получить список предметов":                 domain.BuyNoListServerSide,
	"Возможны проблемы со стим или ботом, попробуйте позже.":                       domain.BuySteamOrBotProblem,
	"Бот забанен, скоро исправим.":                                                 domain.BuyBotBanned,
	"Ошибка сервера 7": domain.BuyServerError7,
	"Вы не можете покупать, пока у вас есть доступные для вывода предметы.\nВыведите все предметы на странице \"Мои вещи\"": domain.BuyNeedToTake,
	"Недостаточно средств на счету":                                  domain.BuyNeedMoney,
	"Неверная ссылка для обмена":                                     domain.BuyInvalidTradeLink,
	"Вам нужно сначала открыть инвентарь в настройках стим профиля.": domain.BuyInventoryPrivate,
	"Ошибка проверки ссылки, наш бот не сможет забрать или передать вам вещи, проверьте возможность оффлайн трейдов на вашем аккаунте.": domain.BuyOfflineTradeUnsupported,
	"Error: reason VACBan or Game ban.": domain.BuyVacOrGameBan,
}

// classifyBuy normalizes a Buy result text.
func classifyBuy(msg string) domain.BuyResult {
	if code, ok := buyMessages[msg]; ok {
		return code
	}
	if code, ok := buyMessages[strings.TrimSpace(msg)]; ok {
		return code
	}
	if strings.Contains(msg, "VAC") {
		return domain.BuyVacOrGameBan
	}
	return domain.BuyUnknown
}

// pingStatus normalizes a PingPong answer.
func pingStatus(success bool, msg string) domain.PingStatus {
	switch {
	case success:
		return domain.PingOK
	case msg == msgTooEarlyToPong:
		return domain.PingTooEarly
	case strings.Contains(msg, msgCheckTokenOrMobile):
		return domain.PingNeedsAuthenticator
	default:
		return domain.PingRejected
	}
}
