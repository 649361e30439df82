package telegram

const (
	textHelp = "Бот ежедневной рассылки дней рождения партнеров.\n\n" +
		"/bdays — список дней рождения на сегодня и ближайшие дни\n" +
		"/regmail — подписать этот чат на ежедневную рассылку\n" +
		"/unregmail — отписать этот чат от рассылки\n" +
		"/code <код> — подтвердить код доступа к Яндекс Диску"

	textRegisterOK = "Ежедневная рассылка списка дней рождения партнеров " +
		"для данного чата запланирована.\n" +
		"Рассылка осуществляется каждый день в %s МСК."
	textRegisterDup = "Данный чат уже получает ежедневную рассылку " +
		"дней рождения партнеров."
	textRegisterFail = "Не удалось добавить чат в список рассылки.\n" +
		"Попробуйте позднее."

	textUnregisterOK   = "Чат отписан от ежедневной рассылки дней рождения партнеров."
	textUnregisterNone = "Данный чат не подписан на рассылку."

	textBdaysEmpty = "Данные о днях рождения еще не загружены. Попробуйте позднее."

	textTokenExpired = "Токен безопасности Яндекс Диска устарел.\n" +
		"Для получения кода подтверждения нажмите на кнопку ниже и перейдите по ссылке.\n" +
		"В открывшейся вкладке браузера войдите в Яндекс аккаунт, на котором хранится " +
		"Excel файл с данными о днях рождениях. После этого вы автоматически перейдете " +
		"на страницу получения кода подтверждения. Скопируйте этот код и отправьте его " +
		"боту с командой /code."

	textCodeMissing = "Вы не передали код. Попробуйте еще раз.\n" +
		"Введите команду /code, добавьте пробел и напишите ваш код."
	textCodeBad = "Вы ввели неверный код. Попробуйте получить новый код."
	textCodeOK  = "Код прошел проверку. Получите информацию о днях рождениях " +
		"партнеров вызвав команду /bdays."
	textCodeBroken = "Что-то пошло не так. Обратитесь к разработчику."

	btnGetCode    = "Получить код"
	btnRetryCode  = "Получить ссылку на новый код"
	uniqueGetCode = "confirm_code"
)
